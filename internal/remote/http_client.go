package remote

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// Headers shared with the reconciler API.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotency-Replayed"
	HeaderTenantID       = "X-Tenant-ID"
)

// DefaultTimeout bounds a single remote attempt.
const DefaultTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/tbourn/go-pos-sync/internal/remote")

// TokenSource returns the bearer token for a tenant. A nil source sends no
// Authorization header.
type TokenSource func(ctx context.Context, tenantID string) (string, error)

// Envelope is the response body of every reconciler CRUD endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	// Message is set by middleware-level failures (rate limit, auth).
	Message string `json:"message,omitempty"`
}

// HTTPClient implements Reconciler and Pinger against the gin API.
type HTTPClient struct {
	// BaseURL is the server origin, e.g. "http://localhost:8080".
	BaseURL string
	// APIPath is the versioned prefix, e.g. "/api/v1".
	APIPath string
	Token   TokenSource
	HTTP    *http.Client
	Timeout time.Duration
}

// NewHTTPClient returns a client with the default per-attempt timeout.
func NewHTTPClient(baseURL, apiPath string, token TokenSource) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIPath: "/" + strings.Trim(apiPath, "/"),
		Token:   token,
		HTTP:    &http.Client{},
		Timeout: DefaultTimeout,
	}
}

// Apply sends req as POST/PUT/DELETE on /<kinds>[/<id>] with the action id
// as Idempotency-Key.
func (c *HTTPClient) Apply(ctx context.Context, req Request) (*Result, error) {
	op, kind, err := domain.ParseActionName(req.Name)
	if err != nil {
		return nil, &Rejection{Kind: RejectValidation, Code: CodeValidationFailed, Message: err.Error(), Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "remote.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("action.id", req.ActionID),
		attribute.String("action.name", string(req.Name)),
	)

	method, path := http.MethodPost, c.APIPath+"/"+kind.Plural()
	switch op {
	case domain.OpUpdate:
		method = http.MethodPut
		path += "/" + url.PathEscape(req.RecordID)
	case domain.OpDelete:
		method = http.MethodDelete
		path += "/" + url.PathEscape(req.RecordID)
	}

	body := req.Payload.Clone()
	if body == nil {
		body = domain.Payload{}
	}
	body[domain.FieldTenantID] = req.TenantID
	raw, err := body.Encode()
	if err != nil {
		return nil, &Rejection{Kind: RejectValidation, Code: CodeValidationFailed, Message: "encode payload", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &Rejection{Kind: RejectValidation, Code: CodeValidationFailed, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.ActionID)
	httpReq.Header.Set(HeaderTenantID, req.TenantID)
	if err := c.authorize(ctx, httpReq, req.TenantID); err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		rej := AsRejection(err)
		if ctx.Err() != nil {
			rej = &Rejection{Kind: RejectTransient, Code: CodeTimeout, Message: "remote attempt timed out", Err: err}
		}
		span.RecordError(rej)
		span.SetStatus(codes.Error, rej.Code)
		return nil, rej
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	res, err := decode(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	return res, nil
}

// Ping checks the server's /health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request, tenantID string) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx, tenantID)
	if err != nil {
		return &Rejection{Kind: RejectTransient, Code: CodeNetwork, Message: "obtain token", Err: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// decode turns a response into a Result or a classified Rejection.
func decode(resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Rejection{Kind: RejectTransient, Status: resp.StatusCode, Code: CodeNetwork, Message: "read response", Err: err}
	}
	var env Envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, &Rejection{Kind: RejectTransient, Status: resp.StatusCode, Code: CodeInternal, Message: "malformed response", Err: err}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && env.Success {
		var ent domain.Entity
		if err := json.Unmarshal(env.Data, &ent); err != nil {
			return nil, &Rejection{Kind: RejectTransient, Status: resp.StatusCode, Code: CodeInternal, Message: "malformed entity", Err: err}
		}
		return &Result{Entity: ent, Replayed: resp.Header.Get(HeaderReplayed) == "true"}, nil
	}

	msg := env.Error
	if msg == "" {
		msg = env.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return nil, &Rejection{
		Kind:    classify(resp.StatusCode, env.Code),
		Status:  resp.StatusCode,
		Code:    env.Code,
		Message: msg,
		Err:     errors.New(msg),
	}
}

// classify prefers the structured code and falls back to the status class.
func classify(status int, code string) RejectionKind {
	switch code {
	case CodeValidationFailed:
		return RejectValidation
	case CodeConflict:
		return RejectConflict
	case CodeInternal, CodeTimeout, CodeNetwork:
		return RejectTransient
	}
	switch {
	case status == http.StatusConflict:
		return RejectConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return RejectTransient
	case status >= 400 && status < 500:
		return RejectValidation
	default:
		return RejectTransient
	}
}
