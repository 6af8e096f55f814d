package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024
)

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	DefaultTimeout  schema.Duration `json:"default_timeout" env:"DEFAULT_TIMEOUT"`
	MaxResponseBody int64           `json:"max_response_body" env:"MAX_RESPONSE_BODY"`
}

// HTTP issues one request per call. A non-empty action overrides the method
// ("get", "post", ...). Params:
//
//	url      string             required, http or https
//	method   string             default GET
//	headers  map[string]string
//	body     any                JSON-encoded unless it is a string
//	auth     {type: bearer|basic, token, username, password}
//	timeout  duration string
//
// 5xx and 429 responses fail retryably, other 4xx fail for good.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// StatusError reports a response outside 2xx/3xx.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: server returned %d", e.Method, e.URL, e.StatusCode)
}

// NewHTTP creates an HTTP executor. A nil client uses a fresh one.
func NewHTTP(cfg HTTPConfig, client *http.Client) *HTTP {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = schema.Duration(defaultHTTPTimeout)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTP{cfg: cfg, client: client}
}

// NewHTTPAgent wraps an HTTP executor for registration with the dispatcher.
func NewHTTPAgent(cfg HTTPConfig, client *http.Client, opts ...agent.AdapterOption) (*agent.LegacyAdapter, error) {
	h := NewHTTP(cfg, client)
	return agent.NewLegacyAdapter(h, append([]agent.AdapterOption{agent.WithClassifier(h)}, opts...)...)
}

// Run implements agent.LegacyExecutor.
func (h *HTTP) Run(ctx context.Context, action string, params map[string]any) (any, error) {
	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	if action != "" {
		method = strings.ToUpper(action)
	}

	var body io.Reader
	contentType := ""
	if raw, ok := params["body"]; ok && raw != nil {
		if s, isString := raw.(string); isString {
			body = strings.NewReader(s)
			contentType = "text/plain"
		} else {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http: body is not JSON-encodable").WithCause(err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, durationParam(params, "timeout", h.cfg.DefaultTimeout.Std()))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: build request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}
	if auth, ok := params["auth"].(map[string]any); ok {
		switch stringParam(auth, "type", "") {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: read response: %v", err).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: string(data)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decodeBody(data),
		"duration_ms": time.Since(start).Milliseconds(),
	}, nil
}

// ClassifyError implements agent.ErrorClassifier.
func (h *HTTP) ClassifyError(err error) agent.ErrorKind {
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout {
			return agent.Retryable
		}
		return agent.Fatal
	}
	if schema.CodeOf(err) == schema.ErrCodeValidation {
		return agent.Fatal
	}
	return agent.Retryable
}
