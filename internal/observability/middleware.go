package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Probe routes are scraped every few seconds and only logged on failure.
var probePaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// AdminMiddleware records every admin request against module and logs it.
// Successful mutations log at info, reads at debug, failures at warn or
// error.
func AdminMiddleware(logger zerolog.Logger, module string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		RecordHTTPRequest(module, c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probePaths[path]:
			return
		case c.Request.Method != "GET":
			event = logger.Info()
		default:
			event = logger.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("admin_request")
	}
}
