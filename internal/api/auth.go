package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/soulstream/soulstream/internal/common/config"
	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/common/logger"
)

// AuthMiddleware validates the bearer token in constant time. With no
// token configured, requests pass in development but production
// refuses to serve unauthenticated.
func AuthMiddleware(cfg config.ServerConfig, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AuthToken == "" {
			if cfg.IsProduction() {
				log.Error("auth token not configured in production")
				abortWithError(c, errors.ConfigError("authentication not configured"))
				return
			}
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, errors.Unauthorized("authorization header required"))
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, errors.Unauthorized("malformed bearer token"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(cfg.AuthToken)) != 1 {
			abortWithError(c, errors.Unauthorized("invalid token"))
			return
		}

		c.Next()
	}
}
