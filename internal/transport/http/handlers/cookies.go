package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CookieConfig names the credential cookies. Both are httpOnly, SameSite=Lax
// and scoped to "/".
type CookieConfig struct {
	TokenName   string
	SessionName string
	Secure      bool
}

func (cc CookieConfig) set(c *gin.Context, name, value string, ttl time.Duration) {
	if name == "" {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(ttl.Seconds()), "/", "", cc.Secure, true)
}

func (cc CookieConfig) setCredentials(c *gin.Context, token string, tokenTTL time.Duration, sessionID string, sessionTTL time.Duration) {
	cc.set(c, cc.TokenName, token, tokenTTL)
	cc.set(c, cc.SessionName, sessionID, sessionTTL)
}

func (cc CookieConfig) clear(c *gin.Context) {
	for _, name := range []string{cc.TokenName, cc.SessionName} {
		if name == "" {
			continue
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(name, "", -1, "/", "", cc.Secure, true)
	}
}
