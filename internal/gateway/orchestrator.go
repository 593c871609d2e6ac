package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/config"
	"github.com/kiro-gateway/kirogate/internal/convstate"
	"github.com/kiro-gateway/kirogate/internal/eventstream"
	"github.com/kiro-gateway/kirogate/internal/kiroclient"
	"github.com/kiro-gateway/kirogate/internal/pool"
	"github.com/kiro-gateway/kirogate/internal/ssetranslate"
)

const upstreamAttemptTimeout = 120 * time.Second

// Orchestrator implements the /v1/messages retry/failover pipeline (C8): a
// labeled select/retry loop that re-selects an account and retries on
// failure, generalized from single-provider passthrough to pool-aware
// account failover.
type Orchestrator struct {
	cfg      *config.Config
	pool     *pool.Pool
	registry *Registry
	client   *kiroclient.Client
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(cfg *config.Config, p *pool.Pool, registry *Registry, client *kiroclient.Client) *Orchestrator {
	return &Orchestrator{cfg: cfg, pool: p, registry: registry, client: client}
}

// Handle serves POST /v1/messages.
func (o *Orchestrator) Handle(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeUnaryError(c, newClientRequestError(http.StatusBadRequest, "cannot read request body"))
		return
	}

	override := loadSystemPromptOverride(o.cfg)
	built, err := convstate.Build(raw, convstate.BuildOptions{
		SystemOverride:     override,
		SystemOverrideMode: string(o.cfg.SystemPromptMode),
		ThinkingDefault:    o.cfg.EnableThinkingByDefault,
	})
	if err != nil {
		writeUnaryError(c, newClientRequestError(http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err)))
		return
	}
	if override != "" {
		recordLastSystemPrompt(o.cfg, override)
	}
	logPrompt(o.cfg, string(built.ConversationState))

	maxRetries := o.cfg.RequestMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if eligible := o.pool.EligibleCount(built.Model); eligible > 0 && eligible < maxRetries {
		maxRetries = eligible
	}

	tried := map[string]bool{}
	var lastErr *gatewayError

	for attempt := 0; attempt < maxRetries; attempt++ {
		account, selectErr := o.pool.SelectExcluding(built.Model, tried)
		if selectErr != nil {
			lastErr = newPoolExhaustedError()
			break
		}
		tried[account.ID] = true

		gwErr, opened := o.attempt(c, account, built)
		if gwErr == nil {
			if err = o.pool.MarkHealthy(account.ID, false, built.Model, "", ""); err != nil {
				log.WithError(err).WithField("account", account.ID).Warn("gateway: mark healthy failed")
			}
			return
		}

		o.markAccountForError(account.ID, gwErr)
		if opened {
			// The in-band error chunk has already been written by attempt();
			// the client connection is committed, nothing left to do.
			return
		}
		if gwErr.Category == CategoryClientRequest {
			writeUnaryError(c, gwErr)
			return
		}
		lastErr = gwErr
	}

	if lastErr == nil {
		lastErr = newPoolExhaustedError()
	}
	writeUnaryError(c, lastErr)
}

func (o *Orchestrator) markAccountForError(id string, gwErr *gatewayError) {
	var class pool.FailureClass
	switch gwErr.Category {
	case CategoryClientRequest:
		class = pool.FailureClientRequest
	case CategoryFatalAccount:
		class = pool.FailureFatal
	case CategoryTransient, CategoryAuthChallenge:
		class = pool.FailureRetryable
	default:
		class = pool.FailureOther
	}
	if err := o.pool.MarkUnhealthy(id, class, gwErr.Message); err != nil {
		log.WithError(err).WithField("account", id).Warn("gateway: mark unhealthy failed")
	}
}

// attempt executes one account's request end-to-end. It returns a
// gatewayError (nil on success) and whether output bytes were already
// committed to the client (streaming only) — once true, the caller must
// stop retrying: the in-band error chunk, if any, has already been written.
func (o *Orchestrator) attempt(c *gin.Context, account pool.Account, built convstate.BuildResult) (*gatewayError, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), upstreamAttemptTimeout)
	defer cancel()

	manager, err := o.registry.Manager(account)
	if err != nil {
		return newInternalError(fmt.Sprintf("load credentials: %v", err)), false
	}
	if err = manager.EnsureFresh(ctx, false); err != nil {
		return &gatewayError{Category: CategoryAuthChallenge, HTTPStatus: http.StatusUnauthorized, Message: fmt.Sprintf("token refresh failed: %v", err), Retryable: true}, false
	}
	creds := manager.Snapshot()

	body, status, sendErr := o.client.Send(ctx, built.Model, creds.AccessToken, built.ConversationState)
	if sendErr != nil {
		gwErr := gatewayErrorFromUpstream(sendErr, status)
		if gwErr.Category == CategoryAuthChallenge {
			// One forced refresh-and-retry before escalating to failover.
			if refreshErr := manager.EnsureFresh(ctx, true); refreshErr == nil {
				creds = manager.Snapshot()
				body, status, sendErr = o.client.Send(ctx, built.Model, creds.AccessToken, built.ConversationState)
			}
		}
		if sendErr != nil {
			return gatewayErrorFromUpstream(sendErr, status), false
		}
	}
	defer func() { _ = body.Close() }()

	translator := ssetranslate.New(ssetranslate.EstimateTokens(string(built.ConversationState)))
	if built.Stream {
		return o.streamResponse(c, body, translator)
	}
	return o.unaryResponse(c, body, translator, built.Model)
}

// streamResponse writes the live SSE sequence directly to the client. Once
// the first chunk is flushed, failure is no longer retryable: any decode or
// transport error from this point on is emitted as an in-band error chunk.
func (o *Orchestrator) streamResponse(c *gin.Context, body io.ReadCloser, translator *ssetranslate.Translator) (*gatewayError, bool) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	writeChunk := func(ch ssetranslate.Chunk) {
		_, _ = w.Write(ch.Encode())
		w.Flush()
	}
	writeChunk(translator.Start())

	var dec eventstream.Decoder
	var outputText strings.Builder
	buf := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				log.WithError(decErr).Warn("gateway: malformed upstream event-stream frame")
				writeChunk(ssetranslate.Error("server_error", "malformed upstream response"))
				return newInternalError("malformed upstream frame"), true
			}
			for _, msg := range msgs {
				ev, ok := eventstream.ToEvent(msg)
				if !ok {
					continue
				}
				if ev.Kind == eventstream.EventContent || ev.Kind == eventstream.EventThinking {
					outputText.WriteString(ev.Text)
				}
				outputText.WriteString(ev.ToolInput)
				for _, ch := range translator.Feed(ev) {
					writeChunk(ch)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writeChunk(ssetranslate.Error("server_error", "upstream connection lost"))
			return newTransientError("upstream connection lost"), true
		}
	}

	for _, ch := range translator.Finish(ssetranslate.EstimateTokens(outputText.String())) {
		writeChunk(ch)
	}
	return nil, true
}

// unaryResponse buffers the full upstream exchange and responds with one
// Claude Messages JSON document. Nothing is committed to the client until
// the final c.JSON call, so a mid-decode failure here is still retryable —
// opened is always false.
func (o *Orchestrator) unaryResponse(c *gin.Context, body io.ReadCloser, translator *ssetranslate.Translator, model string) (*gatewayError, bool) {
	var dec eventstream.Decoder
	var outputText strings.Builder
	buf := make([]byte, 32*1024)

	chunks := []ssetranslate.Chunk{translator.Start()}
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				return newInternalError("malformed upstream frame"), false
			}
			for _, msg := range msgs {
				ev, ok := eventstream.ToEvent(msg)
				if !ok {
					continue
				}
				if ev.Kind == eventstream.EventContent || ev.Kind == eventstream.EventThinking {
					outputText.WriteString(ev.Text)
				}
				outputText.WriteString(ev.ToolInput)
				chunks = append(chunks, translator.Feed(ev)...)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return newTransientError(fmt.Sprintf("upstream connection lost: %v", readErr)), false
		}
	}
	chunks = append(chunks, translator.Finish(ssetranslate.EstimateTokens(outputText.String()))...)

	c.JSON(http.StatusOK, assembleUnaryMessage(chunks, model))
	return nil, false
}

// assembleUnaryMessage replays the SSE chunk sequence the streaming path
// would have emitted and folds it into one Claude Messages response
// document, reusing the translator's thinking-tag splitting and tool-input
// accumulation instead of duplicating that logic for the unary path.
func assembleUnaryMessage(chunks []ssetranslate.Chunk, model string) map[string]any {
	type block struct {
		kind     string
		text     strings.Builder
		toolID   string
		toolName string
		toolJSON strings.Builder
	}

	var order []*block
	byIndex := map[int]*block{}
	var messageID string
	inputTokens, outputTokens := 0, 0
	stopReason := "end_turn"

	for _, ch := range chunks {
		var payload map[string]any
		if err := json.Unmarshal(ch.Data, &payload); err != nil {
			continue
		}
		switch ch.Type {
		case "message_start":
			if msg, ok := payload["message"].(map[string]any); ok {
				if id, ok := msg["id"].(string); ok {
					messageID = id
				}
				if usage, ok := msg["usage"].(map[string]any); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						inputTokens = int(v)
					}
				}
			}
		case "content_block_start":
			idx, _ := payload["index"].(float64)
			cbRaw, _ := payload["content_block"].(map[string]any)
			b := &block{kind: fmt.Sprint(cbRaw["type"])}
			if b.kind == "tool_use" {
				b.toolID, _ = cbRaw["id"].(string)
				b.toolName, _ = cbRaw["name"].(string)
			}
			byIndex[int(idx)] = b
			order = append(order, b)
		case "content_block_delta":
			idx, _ := payload["index"].(float64)
			b := byIndex[int(idx)]
			if b == nil {
				continue
			}
			delta, _ := payload["delta"].(map[string]any)
			switch delta["type"] {
			case "text_delta", "thinking_delta":
				key := "text"
				if delta["type"] == "thinking_delta" {
					key = "thinking"
				}
				if s, ok := delta[key].(string); ok {
					b.text.WriteString(s)
				}
			case "input_json_delta":
				if s, ok := delta["partial_json"].(string); ok {
					b.toolJSON.WriteString(s)
				}
			}
		case "message_delta":
			if delta, ok := payload["delta"].(map[string]any); ok {
				if sr, ok := delta["stop_reason"].(string); ok && sr != "" {
					stopReason = sr
				}
			}
			if usage, ok := payload["usage"].(map[string]any); ok {
				if v, ok := usage["output_tokens"].(float64); ok {
					outputTokens = int(v)
				}
			}
		}
	}

	content := make([]map[string]any, 0, len(order))
	for _, b := range order {
		switch b.kind {
		case "text":
			content = append(content, map[string]any{"type": "text", "text": b.text.String()})
		case "thinking":
			content = append(content, map[string]any{"type": "thinking", "thinking": b.text.String()})
		case "tool_use":
			var input any = map[string]any{}
			if raw := b.toolJSON.String(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			content = append(content, map[string]any{"type": "tool_use", "id": b.toolID, "name": b.toolName, "input": input})
		}
	}

	return map[string]any{
		"id":            messageID,
		"type":          "message",
		"role":          "assistant",
		"content":       content,
		"model":         model,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}
}

func writeUnaryError(c *gin.Context, err *gatewayError) {
	c.JSON(err.HTTPStatus, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": claudeErrorType(err.HTTPStatus), "message": err.Message},
	})
}
