package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateOutboundURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateOutboundURL ensures a URL requested by the agent's HTTP tools is a
// safe, publicly-routable http/https target. Rejects non-http schemes,
// credentials embedded in the URL, and private/loopback addresses (SSRF).
func ValidateOutboundURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data   any `json:"data"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// InvokeRequest is the request body for POST /v1/agent/run.
type InvokeRequest struct {
	Message  string         `json:"message"`
	ThreadID *uuid.UUID     `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InvokeResponse is the response body for POST /v1/agent/run.
type InvokeResponse struct {
	Response  string    `json:"response"`
	ThreadID  uuid.UUID `json:"thread_id"`
	TraceID   *string   `json:"trace_id,omitempty"`
	TraceURL  *string   `json:"trace_url,omitempty"`
	RunID     uuid.UUID `json:"run_id"`
	LatencyMS int64     `json:"latency_ms"`
	Status    RunStatus `json:"status"`
	Plan      *string   `json:"plan,omitempty"`
}

// RunPublic is the run record shape returned by the history endpoints.
type RunPublic struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	ThreadID         uuid.UUID `json:"thread_id"`
	Input            string    `json:"input"`
	Output           string    `json:"output"`
	Status           RunStatus `json:"status"`
	LatencyMS        int64     `json:"latency_ms"`
	TraceID          *string   `json:"trace_id,omitempty"`
	TraceURL         *string   `json:"trace_url,omitempty"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// EvaluateRequest is the request body for POST /v1/agent/evaluate.
type EvaluateRequest struct {
	WindowHours int `json:"window_hours,omitempty"` // defaults to 24
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	Model          string `json:"model"`
	AvailableTools int    `json:"available_tools"`
	BufferDepth    int    `json:"buffer_depth"`
	Uptime         int64  `json:"uptime_seconds"`
}
