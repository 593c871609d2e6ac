package kiroclient

import (
	"math/rand"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiro-gateway/kirogate/internal/misc"
)

// applyMasqueradeHeaders sets the upstream-expected client fingerprint
// header bundle, following the applyClaudeHeaders pattern; the concrete
// header values come from the Kiro-flavored fork's newKiroHTTPClient/handler
// header set, with x-amzn-kiro-agent-mode set to "vibe".
func applyMasqueradeHeaders(req *http.Request, accessToken string, accept string) {
	h := req.Header
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	if accept != "" {
		misc.EnsureHeader(h, nil, "Accept", accept)
	}
	misc.EnsureHeader(h, nil, "amz-sdk-invocation-id", uuid.NewString())
	misc.EnsureHeader(h, nil, "amz-sdk-request", amzSdkRequestHint())
	misc.EnsureHeader(h, nil, "x-amzn-kiro-agent-mode", "vibe")
	misc.EnsureHeader(h, nil, "x-amz-user-agent", "aws-sdk-js/1.0.18 KiroIDE-0.2.13")
	misc.EnsureHeader(h, nil, "user-agent", "aws-sdk-js/1.0.18 ua/2.1 os/other")
}

// amzSdkRequestHint mirrors the randomized retry hint AWS SDKs attach to
// each attempt; it carries no semantic weight for this gateway beyond
// matching the wire shape upstream expects.
func amzSdkRequestHint() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "attempt=1; max=1; cid=" + string(b)
}
