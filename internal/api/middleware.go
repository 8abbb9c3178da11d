// internal/api/middleware.go
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veridocs/btcpay/internal/bulkops"
	"github.com/veridocs/btcpay/internal/payments"
)

const adminKeyHeader = "X-Admin-Key"

// requireAdmin gates administrative endpoints on a shared key. The role is
// resolved here and passed down so the domain layer re-checks it before
// touching any row.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminAPIKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  payments.CodeForbidden,
				"error": "admin API key is not configured",
			})
			return
		}

		provided := c.GetHeader(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  payments.CodeForbidden,
				"error": "admin access required",
			})
			return
		}

		c.Set("role", bulkops.RoleAdmin)
		c.Next()
	}
}
