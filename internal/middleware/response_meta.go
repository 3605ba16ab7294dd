package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	responseMetaKey = "response_meta"
	startedAtKey    = "request_started_at"
	cacheHitKey     = "cache_hit"
)

// WithResponseMeta prepares a per-request meta map that handlers fill and the envelope reports.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Set(startedAtKey, time.Now())
		c.Next()
	}
}

// SetCacheHit records whether the response was served from cache.
func SetCacheHit(c *gin.Context, hit bool) {
	meta(c)[cacheHitKey] = hit
}

// ResponseMeta returns the meta collected for the request with its processing time so far, or nil when
// nothing was recorded.
func ResponseMeta(c *gin.Context) map[string]interface{} {
	value, exists := c.Get(responseMetaKey)
	if !exists {
		return nil
	}
	collected, _ := value.(map[string]interface{})
	if len(collected) == 0 {
		return nil
	}
	if started, ok := c.Get(startedAtKey); ok {
		if at, ok := started.(time.Time); ok {
			collected["processing_time_ms"] = time.Since(at).Milliseconds()
		}
	}
	return collected
}

func meta(c *gin.Context) map[string]interface{} {
	if value, exists := c.Get(responseMetaKey); exists {
		if typed, ok := value.(map[string]interface{}); ok {
			return typed
		}
	}
	created := make(map[string]interface{})
	c.Set(responseMetaKey, created)
	return created
}
