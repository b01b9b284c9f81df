package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "X-API-Key"

var (
	errMissingKey = errors.New("missing API key")
	errInvalidKey = errors.New("invalid API key")
)

// Authenticator checks API keys against the configured key.
type Authenticator struct {
	key string
}

// NewAuthenticator creates an Authenticator. An empty key disables
// authentication.
func NewAuthenticator(key string) *Authenticator {
	return &Authenticator{key: key}
}

// Enabled returns true if an API key is configured.
func (a *Authenticator) Enabled() bool {
	return a.key != ""
}

// Verify compares presented with the configured key in constant time.
func (a *Authenticator) Verify(presented string) error {
	if presented == "" {
		return errMissingKey
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.key)) != 1 {
		return errInvalidKey
	}
	return nil
}

// Middleware rejects requests without a valid X-API-Key header. It lets
// every request through when authentication is disabled.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		if err := a.Verify(c.GetHeader(APIKeyHeader)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
