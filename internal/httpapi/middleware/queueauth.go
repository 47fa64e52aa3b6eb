package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/suPer8Hu/pixel-platform/internal/common"
)

const queueAudience = "poll-queue"

// QueueAuth guards the internal poll endpoint: only callers holding a token
// signed with the shared queue secret may invoke it.
func QueueAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer"))
		if raw == "" {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "queue token required")
			c.Abort()
			return
		}
		tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithAudience(queueAudience), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !tok.Valid {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid queue token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// SignQueueToken mints a short-lived invocation token for the internal poll
// endpoint. Used by external delay schedulers and by tests.
func SignQueueToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{queueAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
