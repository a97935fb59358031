package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"tubefetch/internal/domain"
)

const accountKey = "account_id"

type registerRequest struct {
	Username         string `json:"username" binding:"required"`
	Password         string `json:"password" binding:"required"`
	RegisterPassword string `json:"register_password"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type UserResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

type tokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      UserResponse `json:"user"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegisterPassword)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.issueToken(c, http.StatusCreated, user)
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.issueToken(c, http.StatusOK, user)
}

func (h *Handler) issueToken(c *gin.Context, status int, user *domain.User) {
	token, expires, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, status, tokenResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
		User:      userToResponse(user),
	})
}

func (h *Handler) me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), currentAccount(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, userToResponse(user))
}

func userToResponse(user *domain.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}

// requireAuth accepts a bearer token, or a token query parameter for clients that cannot
// set headers on a websocket upgrade.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
			raw = strings.TrimSpace(after)
		} else {
			raw = ""
		}
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			respondError(c, http.StatusUnauthorized, domain.CodeUnauthorized, "missing token")
			return
		}

		claims, err := h.tokens.Parse(raw)
		if err != nil {
			respondError(c, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid or expired token")
			return
		}
		c.Set(accountKey, claims.UserID)
		c.Next()
	}
}

func currentAccount(c *gin.Context) int64 {
	return c.GetInt64(accountKey)
}

// submitLimiter throttles download submissions per account.
type submitLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func newSubmitLimiter(perSecond float64, burst int) *submitLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &submitLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
	}
}

func (l *submitLimiter) Allow(accountID int64) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[accountID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[accountID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
