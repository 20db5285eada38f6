package manager

import "github.com/quotaguard/quotaguard/store"

// decisionRecord is the small decision record attached to an admitted
// request for PostCall's benefit. Only allowed requests carry one;
// queued/blocked requests never reach PostCall's accounting path.
type decisionRecord struct {
	tenant   string
	provider string
	model    string
	tier     store.Tier
}

// Request is the mutable pre-call payload. Priority, if set (1-10),
// governs queue placement should the request need to be deferred; zero
// means "use the default priority".
type Request struct {
	Priority        int
	EstimatedTokens int64

	decision *decisionRecord
}

// Response is the generic decoded provider response, used only for token
// extraction.
type Response struct {
	Payload map[string]any
}

// extractTokens implements the extraction order: response._cost_metrics.
// tokens_total, else response.usage.total_tokens, else 0. Absence at any
// level is not an error.
func extractTokens(resp *Response) int64 {
	if resp == nil || resp.Payload == nil {
		return 0
	}
	if cm, ok := resp.Payload["_cost_metrics"].(map[string]any); ok {
		if v, ok := numberField(cm, "tokens_total"); ok {
			return v
		}
	}
	if usage, ok := resp.Payload["usage"].(map[string]any); ok {
		if v, ok := numberField(usage, "total_tokens"); ok {
			return v
		}
	}
	return 0
}

func numberField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// StatusSnapshot answers a GetStatus read.
type StatusSnapshot struct {
	Tenant        string
	Tier          store.Tier
	ActiveWindows []*store.Window
	QueueStats    *store.QueueStats
}
