package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
)

// TokenIssuer signs development access tokens. Production identities come
// from the campus identity provider, which signs with the same key.
type TokenIssuer struct {
	Issuer     string
	SigningKey string
	TTL        time.Duration
}

// RegisterDevTokens mounts POST /v1/dev/token. Callers must not mount it in
// production.
func RegisterDevTokens(r gin.IRouter, ti TokenIssuer) {
	r.POST("/v1/dev/token", func(c *gin.Context) {
		var req struct {
			Subject string    `json:"subject" binding:"required"`
			Role    auth.Role `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": attendance.ErrValidationFailed.Code})
			return
		}
		tok, err := auth.Issue(req.Subject, req.Role, ti.Issuer, ti.SigningKey, ti.TTL)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": attendance.ErrValidationFailed.Code})
			return
		}
		c.JSON(http.StatusCreated, tok)
	})
}
