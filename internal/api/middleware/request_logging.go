package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/kiro-gateway/kirogate/internal/logging"
)

// RequestLogging returns a gin middleware that writes one audit log file per
// request through logger when it is enabled, and is a no-op otherwise.
func RequestLogging(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if logger == nil || !logger.IsEnabled() {
			c.Next()
			return
		}

		info, err := captureRequestInfo(c)
		if err != nil {
			c.Next()
			return
		}

		wrapper := newResponseWriterWrapper(c.Writer, logger, info)
		c.Writer = wrapper

		c.Next()

		_ = wrapper.finalize()
	}
}

func captureRequestInfo(c *gin.Context) (*RequestInfo, error) {
	url := c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	headers := make(map[string][]string, len(c.Request.Header))
	for key, values := range c.Request.Header {
		headers[key] = values
	}

	var body []byte
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		body = bodyBytes
	}

	return &RequestInfo{URL: url, Method: c.Request.Method, Headers: headers, Body: body}, nil
}
