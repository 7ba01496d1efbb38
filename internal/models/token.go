package models

import (
	"fmt"
	"strings"
)

// CaptureSource identifies which interception path observed a token
type CaptureSource string

const (
	SourceNetwork CaptureSource = "network" // Privileged CDP network hook
	SourceFetch   CaptureSource = "fetch"   // Page-context fetch wrapper
	SourceXHR     CaptureSource = "xhr"     // Page-context XMLHttpRequest wrapper
	SourceRelay   CaptureSource = "relay"   // External relay via POST /api/relay
	SourceManual  CaptureSource = "manual"  // Added through the presentation API
)

// UnknownDomain is recorded when the request URL cannot be parsed
const UnknownDomain = "unknown"

// CapturedToken is one observed Bearer token usage.
// Records are created once at capture time and never mutated afterwards.
type CapturedToken struct {
	ID        string            `json:"id"`
	Token     string            `json:"token"`
	Domain    string            `json:"domain"`
	URL       string            `json:"url"`
	Timestamp int64             `json:"timestamp"` // Milliseconds since epoch
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"` // Every other request header, Authorization excluded
	Source    CaptureSource     `json:"source,omitempty"`
}

// TokenCollection is the single persisted value, in capture order
type TokenCollection struct {
	Tokens []CapturedToken `json:"tokens"`
}

// AppendPolicy controls how Append treats a repeated (domain, token) pair
type AppendPolicy string

const (
	// AppendPolicyAudit keeps every capture (full audit log)
	AppendPolicyAudit AppendPolicy = "audit"
	// AppendPolicyDedupe removes earlier records with the same (domain, token)
	// before appending, so the pair moves to the end with the new timestamp
	AppendPolicyDedupe AppendPolicy = "dedupe"
)

// DefaultAppendPolicy is used when the configuration leaves the policy empty
const DefaultAppendPolicy = AppendPolicyAudit

// ParseAppendPolicy validates a configured policy name
func ParseAppendPolicy(s string) (AppendPolicy, error) {
	switch AppendPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultAppendPolicy, nil
	case AppendPolicyAudit:
		return AppendPolicyAudit, nil
	case AppendPolicyDedupe:
		return AppendPolicyDedupe, nil
	default:
		return "", fmt.Errorf("unknown append policy %q (expected %q or %q)", s, AppendPolicyAudit, AppendPolicyDedupe)
	}
}

// TokenChangeOp names the mutation that triggered a change notification
type TokenChangeOp string

const (
	TokenAppended TokenChangeOp = "appended"
	TokenRemoved  TokenChangeOp = "removed"
	TokensCleared TokenChangeOp = "cleared"
)

// TokenChange is delivered to store subscribers after a committed mutation
type TokenChange struct {
	Op    TokenChangeOp `json:"op"`
	ID    string        `json:"id,omitempty"`
	Count int           `json:"count"` // Collection size after the mutation
}
