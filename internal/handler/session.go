package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amoylab/esilink/internal/common/config"
)

const sessionKey = "esilink.session"

// sessionMaxAge keeps the cookie for 30 days
const sessionMaxAge = 30 * 24 * 60 * 60

// SessionMiddleware resolves the session id from the cookie and issues a new
// one when the cookie is missing or malformed
func SessionMiddleware(cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cfg.CookieName)
		if err != nil || uuid.Validate(id) != nil {
			id = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(cfg.CookieName, id, sessionMaxAge, "/", "", cfg.CookieSecure, true)
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

// SessionID returns the session id resolved by SessionMiddleware
func SessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

// corsMiddleware allows credentialed requests from the configured frontend origin
func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.Request.Header.Get("Origin")
		if reqOrigin == "" || origin == "" {
			c.Next()
			return
		}
		if origin != "*" && !strings.EqualFold(origin, reqOrigin) {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", reqOrigin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Header("Access-Control-Expose-Headers", "Expires, Cache-Control, Last-Modified, Access-Control-Max-Age")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
