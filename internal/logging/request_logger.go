// Package logging also provides the gateway's request/response audit logger.
// It handles capturing and storing detailed HTTP request and response data
// when enabled through configuration, supporting both unary and streaming
// responses.
package logging

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RequestLogger defines the interface for logging HTTP requests and responses.
// It provides methods for logging both unary and streaming request/response
// cycles.
type RequestLogger interface {
	// LogRequest logs a complete non-streaming request/response cycle.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error

	// LogStreamingRequest initiates logging for a streaming request and
	// returns a writer for chunks.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)

	// IsEnabled returns whether request logging is currently enabled.
	IsEnabled() bool
}

// StreamingLogWriter handles real-time logging of streaming response chunks.
type StreamingLogWriter interface {
	// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
	WriteChunkAsync(chunk []byte)

	// WriteStatus writes the response status and headers to the log.
	WriteStatus(status int, headers map[string][]string) error

	// Close finalizes the log file and cleans up resources.
	Close() error
}

// FileRequestLogger implements RequestLogger using file-based storage, one
// file per request.
type FileRequestLogger struct {
	enabled bool
	logsDir string
}

// NewFileRequestLogger creates a new file-based request logger. When logsDir
// is relative, it is resolved against configDir (the directory the gateway's
// config file lives in).
func NewFileRequestLogger(enabled bool, logsDir string, configDir string) *FileRequestLogger {
	if !filepath.IsAbs(logsDir) && configDir != "" {
		logsDir = filepath.Join(configDir, logsDir)
	}
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir}
}

// IsEnabled returns whether request logging is currently enabled.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled
}

// SetEnabled updates the request logging enabled state, letting a config
// hot-reload flip this knob without restarting the server.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.enabled = enabled
}

// LogRequest logs a complete non-streaming request/response cycle to a file.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error {
	if !l.enabled {
		return nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	filePath := filepath.Join(l.logsDir, l.generateFilename(url))

	decompressedResponse, err := l.decompressResponse(responseHeaders, response)
	if err != nil {
		decompressedResponse = append(response, []byte(fmt.Sprintf("\n[DECOMPRESSION ERROR: %v]", err))...)
	}

	content := l.formatLogContent(url, method, requestHeaders, body, decompressedResponse, statusCode, responseHeaders)
	if err = os.WriteFile(filePath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

// LogStreamingRequest initiates logging for a streaming request.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.enabled {
		return &NoOpStreamingLogWriter{}, nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	filePath := filepath.Join(l.logsDir, l.generateFilename(url))
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if _, err = file.WriteString(l.formatRequestInfo(url, method, headers, body)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write request info: %w", err)
	}

	writer := &FileStreamingLogWriter{
		file:      file,
		chunkChan: make(chan []byte, 100),
		closeChan: make(chan struct{}),
	}
	go writer.asyncWriter()
	return writer, nil
}

func (l *FileRequestLogger) ensureLogsDir() error {
	if _, err := os.Stat(l.logsDir); os.IsNotExist(err) {
		return os.MkdirAll(l.logsDir, 0755)
	}
	return nil
}

// generateFilename builds a sanitized, collision-resistant filename from the
// request path and the current time.
func (l *FileRequestLogger) generateFilename(url string) string {
	path := url
	if strings.Contains(url, "?") {
		path = strings.Split(url, "?")[0]
	}
	path = strings.TrimPrefix(path, "/")
	sanitized := l.sanitizeForFilename(path)
	return fmt.Sprintf("%s-%d.log", sanitized, time.Now().UnixNano())
}

var (
	filenameUnsafe = regexp.MustCompile(`[<>:"|?*\s/\\]`)
	dashRun        = regexp.MustCompile(`-+`)
)

func (l *FileRequestLogger) sanitizeForFilename(path string) string {
	sanitized := filenameUnsafe.ReplaceAllString(path, "-")
	sanitized = dashRun.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "root"
	}
	return sanitized
}

func (l *FileRequestLogger) formatLogContent(url, method string, headers map[string][]string, body, response []byte, status int, responseHeaders map[string][]string) string {
	var content strings.Builder
	content.WriteString(l.formatRequestInfo(url, method, headers, body))

	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", status))
	for key, values := range responseHeaders {
		for _, value := range values {
			content.WriteString(fmt.Sprintf("%s: %s\n", key, value))
		}
	}
	content.WriteString("\n")
	content.Write(response)
	content.WriteString("\n")
	return content.String()
}

func (l *FileRequestLogger) decompressResponse(responseHeaders map[string][]string, response []byte) ([]byte, error) {
	if responseHeaders == nil || len(response) == 0 {
		return response, nil
	}
	var contentEncoding string
	for key, values := range responseHeaders {
		if strings.EqualFold(key, "content-encoding") && len(values) > 0 {
			contentEncoding = strings.ToLower(values[0])
			break
		}
	}
	switch contentEncoding {
	case "gzip":
		return l.decompressGzip(response)
	case "deflate":
		return l.decompressDeflate(response)
	default:
		return response, nil
	}
}

func (l *FileRequestLogger) decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (l *FileRequestLogger) decompressDeflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (l *FileRequestLogger) formatRequestInfo(url, method string, headers map[string][]string, body []byte) string {
	var content strings.Builder
	content.WriteString("=== REQUEST INFO ===\n")
	content.WriteString(fmt.Sprintf("URL: %s\n", url))
	content.WriteString(fmt.Sprintf("Method: %s\n", method))
	content.WriteString(fmt.Sprintf("Timestamp: %s\n\n", time.Now().Format(time.RFC3339Nano)))

	content.WriteString("=== HEADERS ===\n")
	for key, values := range headers {
		for _, value := range values {
			content.WriteString(fmt.Sprintf("%s: %s\n", key, value))
		}
	}
	content.WriteString("\n=== REQUEST BODY ===\n")
	content.Write(body)
	content.WriteString("\n\n")
	return content.String()
}

// FileStreamingLogWriter implements StreamingLogWriter for file-based
// streaming logs, writing chunks from a buffered channel on its own
// goroutine so the client-facing write path never blocks on disk I/O.
type FileStreamingLogWriter struct {
	file          *os.File
	chunkChan     chan []byte
	closeChan     chan struct{}
	statusWritten bool
}

// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
func (w *FileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	if w.chunkChan == nil {
		return
	}
	chunkCopy := make([]byte, len(chunk))
	copy(chunkCopy, chunk)
	select {
	case w.chunkChan <- chunkCopy:
	default:
		// Channel full: drop the chunk rather than block the response.
	}
}

// WriteStatus writes the response status and headers to the log.
func (w *FileStreamingLogWriter) WriteStatus(status int, headers map[string][]string) error {
	if w.file == nil || w.statusWritten {
		return nil
	}
	var content strings.Builder
	content.WriteString("========================================\n=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", status))
	for key, values := range headers {
		for _, value := range values {
			content.WriteString(fmt.Sprintf("%s: %s\n", key, value))
		}
	}
	content.WriteString("\n")
	_, err := w.file.WriteString(content.String())
	if err == nil {
		w.statusWritten = true
	}
	return err
}

// Close finalizes the log file and cleans up resources.
func (w *FileStreamingLogWriter) Close() error {
	if w.chunkChan != nil {
		close(w.chunkChan)
		<-w.closeChan
		w.chunkChan = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *FileStreamingLogWriter) asyncWriter() {
	defer close(w.closeChan)
	for chunk := range w.chunkChan {
		if w.file != nil {
			_, _ = w.file.Write(chunk)
		}
	}
}

// NoOpStreamingLogWriter implements StreamingLogWriter with no side effects,
// used when logging is disabled.
type NoOpStreamingLogWriter struct{}

func (w *NoOpStreamingLogWriter) WriteChunkAsync(_ []byte)                       {}
func (w *NoOpStreamingLogWriter) WriteStatus(_ int, _ map[string][]string) error { return nil }
func (w *NoOpStreamingLogWriter) Close() error                                  { return nil }
