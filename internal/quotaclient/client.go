// Package quotaclient is the caller-facing facade over the quota service's
// internal HTTP routes.
package quotaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/companionhq/quotaservice/internal/quota"
)

const (
	apiKeyHeader = "X-Internal-API-Key"

	defaultTimeout    = 5 * time.Second
	defaultReadRetry  = 3 * time.Second
	defaultReadTries  = 4
	maxErrorBodyBytes = 1024
)

var (
	// ErrUnavailable means the service could not be reached, was throttling,
	// or answered 5xx.
	ErrUnavailable = errors.New("quota service unavailable")
	// ErrRejected means the service refused the request as invalid.
	ErrRejected = errors.New("quota request rejected")
	// ErrTimeout means the request was sent but no answer arrived in time.
	ErrTimeout = errors.New("quota service timed out")
	// ErrMalformedResponse means a 2xx answer arrived but could not be decoded.
	// It also matches ErrUnavailable.
	ErrMalformedResponse = errors.New("malformed quota service response")
)

// ServiceError is a non-2xx answer from the quota service.
type ServiceError struct {
	Status    int
	ErrorCode string
	Message   string
}

func (e *ServiceError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("quota service: status=%d code=%s: %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("quota service: status=%d: %s", e.Status, e.Message)
}

func (e *ServiceError) Unwrap() error {
	if e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	return ErrRejected
}

// Snapshot is the caller's view of a user's quotas. Degraded snapshots carry
// configured defaults, not data read from the service.
type Snapshot struct {
	Quotas   []quota.Display `json:"quotas"`
	Degraded bool            `json:"degraded"`
}

// Client calls the quota service. It keeps no quota state between calls.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	fallback   quota.Policies
	readRetry  time.Duration
	readTries  uint64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithFallbackPolicies sets the limits used to build degraded snapshots.
func WithFallbackPolicies(p quota.Policies) Option {
	return func(cl *Client) { cl.fallback = p }
}

// WithReadRetry bounds how long and how often quota reads are retried.
func WithReadRetry(maxElapsed time.Duration, maxTries int) Option {
	return func(cl *Client) {
		cl.readRetry = maxElapsed
		if maxTries > 0 {
			cl.readTries = uint64(maxTries)
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		fallback:   DefaultPolicies(),
		readRetry:  defaultReadRetry,
		readTries:  defaultReadTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultPolicies mirrors the service defaults for degraded snapshots.
func DefaultPolicies() quota.Policies {
	return quota.Policies{
		quota.TypeProfileImage: {Type: quota.TypeProfileImage, Limit: 1, Strategy: quota.StrategyRolling, Window: 24 * time.Hour},
		quota.TypeChatMessages: {Type: quota.TypeChatMessages, Limit: 50, Strategy: quota.StrategyRolling, Window: 24 * time.Hour},
		quota.TypeChatImage:    {Type: quota.TypeChatImage, Limit: 5, Strategy: quota.StrategyRolling, Window: 24 * time.Hour},
	}
}

// GetUserQuotas reads the user's quotas, retrying transient failures. When
// the service stays unavailable it returns a degraded snapshot together with
// the last error. Rejections such as an unknown user are not retried and
// yield an empty snapshot.
func (c *Client) GetUserQuotas(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	op := func() ([]quota.Display, error) {
		var envelope struct {
			Data []quota.Display `json:"data"`
		}
		err := c.do(ctx, http.MethodGet, c.quotasURL(userID), nil, &envelope)
		if errors.Is(err, ErrRejected) {
			return nil, backoff.Permanent(err)
		}
		return envelope.Data, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.readRetry

	displays, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, c.readTries-1), ctx))
	if err == nil {
		return Snapshot{Quotas: displays}, nil
	}
	if errors.Is(err, ErrRejected) {
		return Snapshot{}, err
	}

	slog.Warn("quota read failed, serving degraded defaults", "user_id", userID, "error", err)
	return c.degraded(), err
}

// Consume makes a single consumption attempt. It is never retried: a retry
// after a lost response could consume twice. An amount of 0 leaves the
// service default of one unit; a negative amount is rejected without a
// request.
func (c *Client) Consume(ctx context.Context, userID uuid.UUID, quotaType string, amount int) (Outcome, error) {
	if amount < 0 {
		err := fmt.Errorf("%w: amount %d is negative", ErrRejected, amount)
		return Outcome{
			Kind:    OutcomeRejected,
			Message: "amount must be a positive integer",
			Code:    string(quota.CodeInvalidAmount),
		}, err
	}

	body := map[string]any{"quota_type": quotaType}
	if amount > 0 {
		body["amount"] = amount
	}

	var result quota.ConsumeResult
	err := c.do(ctx, http.MethodPost, c.quotasURL(userID)+"/consume", body, &result)
	if err == nil {
		return Outcome{Kind: OutcomeConsumed, Message: result.Message, Result: &result}, nil
	}

	var svcErr *ServiceError
	switch {
	case errors.As(err, &svcErr) && svcErr.ErrorCode == string(quota.CodeQuotaExceeded):
		return limitReached(result), nil
	case ctx.Err() != nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformedResponse):
		return c.unknown(userID, err), err
	case svcErr != nil && svcErr.Status == http.StatusTooManyRequests:
		return Outcome{Kind: OutcomeRetry, Message: "too many requests, try again shortly", Code: svcErr.ErrorCode}, err
	case errors.Is(err, ErrRejected):
		return Outcome{Kind: OutcomeRejected, Message: rejectedMessage(svcErr), Code: codeOf(svcErr)}, err
	default:
		return Outcome{Kind: OutcomeRetry, Message: "something went wrong, try again", Code: codeOf(svcErr)}, err
	}
}

// unknown reads back the quotas after an attempt whose fate is unknown. The
// read uses a fresh context since the caller's may be spent.
func (c *Client) unknown(userID uuid.UUID, cause error) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	snap, err := c.GetUserQuotas(ctx, userID)
	if err != nil {
		slog.Warn("quota read-back failed after interrupted consume", "user_id", userID, "error", err)
	}
	slog.Warn("quota consume outcome unknown", "user_id", userID, "error", cause)
	return Outcome{
		Kind:     OutcomeUnknown,
		Message:  "we could not confirm this action, check your remaining quota",
		Snapshot: &snap,
	}
}

func (c *Client) degraded() Snapshot {
	displays := make([]quota.Display, 0, len(quota.AllTypes))
	for _, t := range quota.AllTypes {
		p, ok := c.fallback[t]
		if !ok {
			continue
		}
		displays = append(displays, quota.Display{
			Type:      t,
			Limit:     p.Limit,
			Remaining: p.Limit,
			CanUse:    true,
		})
	}
	return Snapshot{Quotas: displays, Degraded: true}
}

func (c *Client) quotasURL(userID uuid.UUID) string {
	return c.baseURL + "/internal/v1/users/" + userID.String() + "/quotas"
}

// do sends the request and decodes v from the body. Both 2xx bodies and the
// 429 consume body decode into v; other answers become a *ServiceError.
func (c *Client) do(ctx context.Context, method, url string, body, v any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrMalformedResponse, err)
		}
		return nil
	}

	return mapHTTPError(resp, v)
}

func mapHTTPError(resp *http.Response, v any) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var envelope struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		ErrorCode string `json:"error_code"`
	}
	_ = json.Unmarshal(raw, &envelope)

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = json.Unmarshal(raw, v)
	}

	msg := envelope.Error
	if msg == "" {
		msg = envelope.Message
	}
	return &ServiceError{Status: resp.StatusCode, ErrorCode: envelope.ErrorCode, Message: msg}
}

func codeOf(e *ServiceError) string {
	if e == nil {
		return ""
	}
	return e.ErrorCode
}

func rejectedMessage(e *ServiceError) string {
	if e != nil && e.Message != "" {
		return e.Message
	}
	return "request rejected"
}
