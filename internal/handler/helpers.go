package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/pkg/errcode"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/pkg/response"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

func getUserID(c *gin.Context) string {
	value, _ := c.Get("user_id")
	userID, _ := value.(string)
	return userID
}

var errorCodes = []struct {
	err  error
	code int
	msg  string
}{
	{appErr.ErrUnauthorized, errcode.ErrUnauthorized, "unauthorized"},
	{appErr.ErrNotFound, errcode.ErrNotFound, "not found"},
	{appErr.ErrInvalid, errcode.ErrInvalid, "invalid request"},
	{appErr.ErrSourceUnreadable, errcode.ErrSourceUnreadable, "source unreadable"},
	{appErr.ErrRunAlreadyActive, errcode.ErrRunAlreadyActive, "a run for this source is already active"},
	{appErr.ErrDuplicateKeyInBatch, errcode.ErrDuplicateKeyInBatch, "duplicate key in source"},
	{appErr.ErrChunkWriteFailed, errcode.ErrChunkWriteFailed, "chunk write failed"},
	{appErr.ErrConflict, errcode.ErrConflict, "conflict"},
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get("request_id")
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err),
	)
	for _, item := range errorCodes {
		if errors.Is(err, item.err) {
			response.Error(c, item.code, item.msg)
			return
		}
	}
	response.Error(c, errcode.ErrInternal, "internal error")
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
