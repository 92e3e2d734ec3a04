package server

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/concierge/pkg/identity"
	"github.com/nainya/concierge/pkg/quota"
)

const identityKey = "concierge.identity"

// identityOf returns the caller set by authenticate
func identityOf(c *gin.Context) string {
	return c.GetString(identityKey)
}

// observe records request metrics and one log line per request
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if m := s.deps.Metrics; m != nil {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()
		}

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		d := time.Since(start)
		if m := s.deps.Metrics; m != nil {
			m.RecordHTTPRequest(route, strconv.Itoa(status), d)
		}
		s.log.LogHTTPRequest(c.Request.Method, route, status, d, identityOf(c))
	}
}

// authenticate verifies the bearer credential. Rejections carry no detail
// about why verification failed.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := identity.BearerCredential(c.GetHeader("Authorization"))
		var id identity.Identity
		if err == nil {
			id, err = s.deps.Verifier.Verify(c.Request.Context(), cred)
		}
		if err != nil {
			kind := identity.KindOf(err)
			if m := s.deps.Metrics; m != nil {
				m.AuthFailure(kind.String())
			}
			if kind == identity.Internal {
				s.log.Error("credential verification failed").Err(err).Send()
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"detail": "Internal server error during authentication"})
				return
			}
			s.log.Debug("credential rejected").Str("kind", kind.String()).Err(err).Send()
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid authentication credentials"})
			return
		}

		c.Set(identityKey, string(id))
		c.Next()
	}
}

// rateLimit admits or throttles the caller and attaches quota headers to
// the response either way
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl := s.deps.RateLimiter
		d := rl.Check(c.Request.Context(), identityOf(c))
		if m := s.deps.Metrics; m != nil {
			m.RecordQuotaDecision(d.Allowed)
		}
		setRateHeaders(c, d.RateInfo)

		if !d.Allowed {
			wait := d.RetryAfter(rl.Now())
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %d seconds. Try again after %d.",
					d.Limit, int(rl.Window().Seconds()), d.Reset),
				"limit":     d.Limit,
				"remaining": d.Remaining,
				"reset":     d.Reset,
			})
			return
		}
		c.Next()
	}
}

func setRateHeaders(c *gin.Context, info quota.RateInfo) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(info.Reset, 10))
}
