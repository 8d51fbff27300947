package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/glossary-ingest/internal/pkg/errcode"
	"github.com/xxxsen/glossary-ingest/internal/pkg/jwt"
	"github.com/xxxsen/glossary-ingest/internal/pkg/password"
	"github.com/xxxsen/glossary-ingest/internal/pkg/response"
)

// AuthHandler issues tokens for the single configured operator account.
type AuthHandler struct {
	username     string
	passwordHash string
	secret       []byte
	ttl          time.Duration
}

func NewAuthHandler(username, passwordHash string, secret []byte, ttl time.Duration) *AuthHandler {
	return &AuthHandler{username: username, passwordHash: passwordHash, secret: secret, ttl: ttl}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if h.passwordHash == "" || strings.TrimSpace(req.Username) != h.username {
		response.Error(c, errcode.ErrUnauthorized, "invalid credentials")
		return
	}
	if err := password.Compare(h.passwordHash, req.Password); err != nil {
		response.Error(c, errcode.ErrUnauthorized, "invalid credentials")
		return
	}
	token, err := jwt.GenerateToken(h.username, h.secret, h.ttl)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"token": token, "expires_in": int64(h.ttl.Seconds())})
}
