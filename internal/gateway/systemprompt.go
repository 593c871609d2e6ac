package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/config"
)

// loadSystemPromptOverride reads the configured override file, if any.
// A missing or unreadable file is treated as "no override" rather than an
// error — the override is an optional operator knob, not a required input.
func loadSystemPromptOverride(cfg *config.Config) string {
	if cfg.SystemPromptFilePath == "" {
		return ""
	}
	data, err := os.ReadFile(cfg.SystemPromptFilePath)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

// recordLastSystemPrompt writes the resolved override to a sibling
// "last seen" file when its content changed, so an operator can tell
// whether an edited prompt file has actually been picked up.
func recordLastSystemPrompt(cfg *config.Config, resolved string) {
	if cfg.SystemPromptFilePath == "" || resolved == "" {
		return
	}
	path := cfg.SystemPromptFilePath + ".last-seen"
	if existing, err := os.ReadFile(path); err == nil && string(existing) == resolved {
		return
	}
	if err := os.WriteFile(path, []byte(resolved), 0o644); err != nil {
		log.WithError(err).Warn("gateway: write last-seen system prompt failed")
	}
}

// logPrompt logs the resolved conversationState per the configured sink.
func logPrompt(cfg *config.Config, conversationState string) {
	switch cfg.PromptLogMode {
	case config.PromptLogConsole:
		log.WithField("conversation_state", conversationState).Info("gateway: resolved prompt")
	case config.PromptLogFile:
		base := cfg.PromptLogBaseName
		if base == "" {
			base = "prompt"
		}
		path := fmt.Sprintf("%s-%d.log", base, time.Now().UnixNano())
		if err := os.WriteFile(path, []byte(conversationState), 0o644); err != nil {
			log.WithError(err).Warn("gateway: write prompt log failed")
		}
	}
}
