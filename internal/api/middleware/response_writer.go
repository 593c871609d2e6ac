// Package middleware provides gin middleware for the gateway's HTTP server,
// including the request/response audit logger's response writer wrapper.
package middleware

import (
	"bytes"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiro-gateway/kirogate/internal/logging"
)

// RequestInfo holds the inbound request data captured before c.Next runs, so
// it is still available once the wrapped ResponseWriter learns the response
// shape.
type RequestInfo struct {
	URL     string
	Method  string
	Headers map[string][]string
	Body    []byte
}

// responseWriterWrapper wraps gin.ResponseWriter to capture response data
// for the audit logger. Writes reach the client first; logging is best
// effort and never blocks the response.
type responseWriterWrapper struct {
	gin.ResponseWriter
	body         *bytes.Buffer
	isStreaming  bool
	streamWriter logging.StreamingLogWriter
	chunkChannel chan []byte
	logger       logging.RequestLogger
	requestInfo  *RequestInfo
	statusCode   int
	headers      map[string][]string
}

func newResponseWriterWrapper(w gin.ResponseWriter, logger logging.RequestLogger, requestInfo *RequestInfo) *responseWriterWrapper {
	return &responseWriterWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		logger:         logger,
		requestInfo:    requestInfo,
		headers:        make(map[string][]string),
	}
}

// Write forwards to the underlying writer first, then mirrors the bytes
// into whichever logging path WriteHeader selected.
func (w *responseWriterWrapper) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)

	if w.isStreaming {
		if w.chunkChannel != nil {
			select {
			case w.chunkChannel <- append([]byte(nil), data...):
			default:
			}
		}
	} else {
		w.body.Write(data)
	}
	return n, err
}

// WriteHeader captures the status code, classifies the response as
// streaming or unary from its Content-Type, and for streaming responses
// opens the async log writer before the first byte goes out.
func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	for key, values := range w.ResponseWriter.Header() {
		w.headers[key] = values
	}
	w.isStreaming = strings.Contains(w.ResponseWriter.Header().Get("Content-Type"), "text/event-stream")

	if w.isStreaming && w.logger.IsEnabled() {
		if streamWriter, err := w.logger.LogStreamingRequest(w.requestInfo.URL, w.requestInfo.Method, w.requestInfo.Headers, w.requestInfo.Body); err == nil {
			w.streamWriter = streamWriter
			w.chunkChannel = make(chan []byte, 100)
			go w.processStreamingChunks()
			_ = streamWriter.WriteStatus(statusCode, w.headers)
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) processStreamingChunks() {
	if w.streamWriter == nil || w.chunkChannel == nil {
		return
	}
	for chunk := range w.chunkChannel {
		w.streamWriter.WriteChunkAsync(chunk)
	}
}

// finalize flushes and closes whichever logging path was opened for this
// request.
func (w *responseWriterWrapper) finalize() error {
	if !w.logger.IsEnabled() {
		return nil
	}

	if w.isStreaming {
		if w.chunkChannel != nil {
			close(w.chunkChannel)
			w.chunkChannel = nil
		}
		if w.streamWriter != nil {
			return w.streamWriter.Close()
		}
		return nil
	}

	statusCode := w.statusCode
	if statusCode == 0 {
		statusCode = 200
	}
	headers := make(map[string][]string, len(w.headers))
	for key, values := range w.ResponseWriter.Header() {
		headers[key] = values
	}
	for key, values := range w.headers {
		headers[key] = values
	}
	return w.logger.LogRequest(w.requestInfo.URL, w.requestInfo.Method, w.requestInfo.Headers, w.requestInfo.Body, statusCode, headers, w.body.Bytes())
}

// Status returns the HTTP status code of the response.
func (w *responseWriterWrapper) Status() int {
	if w.statusCode == 0 {
		return 200
	}
	return w.statusCode
}
