package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nagare-ai/nagare/internal/model"
)

const (
	// httpToolTimeout bounds one outbound request.
	httpToolTimeout = 10 * time.Second

	// maxHTTPBodyBytes caps the response body a tool returns to the model.
	maxHTTPBodyBytes = 64 * 1024 // 64 KB
)

// HTTPTools returns the stateless outbound HTTP tools. They share one
// client and enforce the outbound URL policy (public http/https only).
func HTTPTools() []Tool {
	client := &http.Client{Timeout: httpToolTimeout}
	return []Tool{
		&httpGetTool{client: client},
		&httpPostTool{client: client},
	}
}

type httpGetTool struct{ client *http.Client }

func (t *httpGetTool) Name() string { return "http_get" }

func (t *httpGetTool) Description() string {
	return "Fetch a public http(s) URL with GET. Returns the response status and body text."
}

func (t *httpGetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http(s) URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (t *httpGetTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errJSON(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	return doRequest(ctx, t.client, http.MethodGet, in.URL, "")
}

type httpPostTool struct{ client *http.Client }

func (t *httpPostTool) Name() string { return "http_post" }

func (t *httpPostTool) Description() string {
	return "Send a POST request with a JSON body to a public http(s) URL. Returns the response status and body text."
}

func (t *httpPostTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http(s) URL to post to"},
			"body": {"type": "string", "description": "JSON request body"}
		},
		"required": ["url"]
	}`)
}

func (t *httpPostTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		URL  string `json:"url"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errJSON(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	return doRequest(ctx, t.client, http.MethodPost, in.URL, in.Body)
}

func doRequest(ctx context.Context, client *http.Client, method, rawURL, body string) (string, error) {
	if rawURL == "" {
		return errJSON("url is required"), nil
	}
	if err := model.ValidateOutboundURL(rawURL); err != nil {
		return errJSON(fmt.Sprintf("rejected url: %v", err)), nil
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return errJSON(fmt.Sprintf("create request: %v", err)), nil
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return errJSON(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return errJSON(fmt.Sprintf("read response: %v", err)), nil
	}

	return toJSON(map[string]any{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}), nil
}
