// Package engineapi talks to the web app endpoints that sit next to the
// engine socket: token issuance and server-side session start, status and stop.
package engineapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/basket/lucid/internal/otel"
)

const userAgent = "lucid-cli/1.0"

// APIError is a non-2xx answer from the web app.
type APIError struct {
	StatusCode int
	Code       string // the body's "error" field, e.g. "NotFound"
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine api: %d", e.StatusCode)
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit caps requests per second. Zero or negative means unlimited.
	RateLimit float64
	// Cookie is forwarded on every request; the web app authenticates by session cookie.
	Cookie  string
	Retries int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
}

// Client is safe for concurrent use.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func New(opts Options) *Client {
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	if opts.Cookie != "" {
		rc.SetHeader("Cookie", opts.Cookie)
	}
	if opts.Retries > 0 {
		rc.SetRetryCount(opts.Retries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() == http.StatusServiceUnavailable
			})
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Client{
		resty:   rc,
		limiter: limiter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// do runs one request. endpoint is a low-cardinality label for logs and metrics.
func (c *Client) do(ctx context.Context, method, endpoint, path string, query url.Values, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "engineapi."+endpoint,
		attribute.String("http.method", method))
	defer span.End()

	var apiErr errorBody
	req := c.resty.R().SetContext(ctx).SetError(&apiErr)
	if result != nil {
		req.SetResult(result)
	}
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	began := time.Now()
	resp, err := req.Execute(method, path)
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	c.metrics.APIRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(status)),
	))
	c.logger.DebugContext(ctx, "engine api request", "endpoint", endpoint, "method", method, "status", status, "took", time.Since(began))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Status())
		e := &APIError{StatusCode: status, Code: apiErr.Error, Message: apiErr.Message, Details: apiErr.Details}
		if e.Code == "" && e.Message == "" {
			e.Message = strings.TrimSpace(string(resp.Body()))
		}
		return e
	}
	return nil
}

// FetchToken asks for a short-lived socket token for the signed-in user.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "token", "/api/agent/token", nil, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("engine api: token response missing token")
	}
	return out.Token, nil
}

type StartRequest struct {
	ProjectID     string `json:"projectId"`
	Task          string `json:"task"`
	ModelProvider string `json:"modelProvider,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	Branch        string `json:"branch,omitempty"`
}

type StartResponse struct {
	WSURL        string `json:"wsUrl"`
	SessionToken string `json:"sessionToken"`
	SessionID    string `json:"sessionId"`
}

// StartSession creates a session server-side. The returned SessionID is the
// one later reported in the socket's status frames.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("engine api: projectId and task are required")
	}
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "start", "/api/agent/start", nil, req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("engine api: start response missing sessionId")
	}
	return &out, nil
}

type ProjectRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	RepoURL string `json:"repoUrl"`
}

type SessionInfo struct {
	ID             string      `json:"id"`
	AgentSessionID string      `json:"agentSessionId"`
	Title          string      `json:"title"`
	Status         string      `json:"status"`
	Project        *ProjectRef `json:"project,omitempty"`
	CreatedAt      *time.Time  `json:"createdAt,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

type sessionEnvelope struct {
	Success bool        `json:"success"`
	Session SessionInfo `json:"session"`
}

func sessionPath(id string) string {
	return "/api/agent/" + url.PathEscape(id)
}

func (c *Client) SessionStatus(ctx context.Context, id string) (*SessionInfo, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodGet, "status", sessionPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// StopSession marks the session completed and asks the engine to stop it.
func (c *Client) StopSession(ctx context.Context, id string) (*SessionInfo, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodDelete, "stop", sessionPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

type SocketInfo struct {
	SessionID      string `json:"sessionId"`
	AgentSessionID string `json:"agentSessionId"`
	WSURL          string `json:"wsUrl"`
}

// SocketInfo resolves the engine socket URL for an active session.
func (c *Client) SocketInfo(ctx context.Context, sessionID string) (*SocketInfo, error) {
	var out SocketInfo
	query := url.Values{"sessionId": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "socket", "/api/agent/socket", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
