package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/errcode"
	"github.com/xxxsen/glossary-ingest/internal/pkg/response"
)

type TermReader interface {
	Get(ctx context.Context, name string) (*model.Term, error)
	GetFields(ctx context.Context, name string) (map[string]model.Field, map[string]int64, error)
}

type TermHandler struct {
	terms TermReader
}

func NewTermHandler(terms TermReader) *TermHandler {
	return &TermHandler{terms: terms}
}

func (h *TermHandler) Get(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		response.Error(c, errcode.ErrInvalid, "name required")
		return
	}
	term, err := h.terms.Get(c.Request.Context(), name)
	if err != nil {
		handleError(c, err)
		return
	}
	fields, _, err := h.terms.GetFields(c.Request.Context(), name)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"term": term, "fields": fields})
}
