// ABOUTME: Typed HTTP adapter over the external channel gateway
// ABOUTME: Create, delete, fetch-status and fetch-QR with hard timeouts and no retries

package gwclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/pairline/internal/telemetry"
)

// Gateway errors. Every error returned by Client wraps exactly one of these
// (or the caller's context error when the caller gave up).
var (
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrNotFound           = errors.New("instance not found at gateway")
	ErrNameConflict       = errors.New("instance name already exists at gateway")
	ErrNotReady           = errors.New("qr code not ready")
)

// ConnectionState is the gateway's view of an instance connection.
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateAwaitingQR ConnectionState = "awaiting_qr"
	StateClose      ConnectionState = "close"
)

// ParseConnectionState maps the gateway's loosely typed state strings.
// Unknown values map to StateClose.
func ParseConnectionState(s string) ConnectionState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected", "online":
		return StateOpen
	case "connecting", "pairing", "syncing":
		return StateConnecting
	case "qr", "qrcode", "awaiting_qr", "scan_qr_code":
		return StateAwaitingQR
	default:
		return StateClose
	}
}

// InstanceRef identifies an instance registered at the gateway.
type InstanceRef struct {
	Name       string
	ExternalID string
	Status     string
}

// QRCode is a pairing code and how long it stays valid.
type QRCode struct {
	Code string
	TTL  time.Duration
}

// CreateConfig is forwarded to the gateway on instance creation.
type CreateConfig struct {
	WebhookURL    string
	WebhookEvents []string
	Extra         map[string]any
}

// StatusError carries the HTTP status of a failed call. It unwraps to the
// sentinel it was classified as.
type StatusError struct {
	Op     string
	Code   int
	Body   string
	Reason error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: gateway returned %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Reason }

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per call, defaults to 10s
	DefaultQRTTL time.Duration // used when the gateway omits a TTL, defaults to 60s
	HTTPClient   *http.Client
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// Client talks to the gateway HTTP API.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	timeout      time.Duration
	defaultQRTTL time.Duration
	http         *http.Client
	metrics      *telemetry.Metrics
	logger       *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing gateway base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DefaultQRTTL <= 0 {
		opts.DefaultQRTTL = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		baseURL:      base,
		apiKey:       opts.APIKey,
		timeout:      opts.Timeout,
		defaultQRTTL: opts.DefaultQRTTL,
		http:         opts.HTTPClient,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "gwclient"),
	}, nil
}

// Create registers a new instance at the gateway.
func (c *Client) Create(ctx context.Context, name string, cfg CreateConfig) (*InstanceRef, error) {
	payload := map[string]any{
		"instanceName": name,
		"qrcode":       true,
	}
	if cfg.WebhookURL != "" {
		payload["webhook"] = map[string]any{
			"url":     cfg.WebhookURL,
			"enabled": true,
			"events":  cfg.WebhookEvents,
		}
	}
	for k, v := range cfg.Extra {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}

	body, err := c.do(ctx, "create", http.MethodPost, "/instance/create", payload)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	ref := &InstanceRef{
		Name:       firstString(res, "instance.instanceName", "instanceName", "name"),
		ExternalID: firstString(res, "instance.instanceId", "instanceId", "id"),
		Status:     firstString(res, "instance.status", "status"),
	}
	if ref.Name == "" {
		ref.Name = name
	}
	return ref, nil
}

// Delete removes an instance from the gateway.
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, "/instance/delete/"+url.PathEscape(name), nil)
	return err
}

// FetchStatus returns the gateway's connection state for an instance.
func (c *Client) FetchStatus(ctx context.Context, name string) (ConnectionState, error) {
	body, err := c.do(ctx, "fetch_status", http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil)
	if err != nil {
		return "", err
	}

	res := gjson.ParseBytes(body)
	raw := firstString(res, "instance.state", "state", "instance.status", "status")
	if raw == "" {
		return "", fmt.Errorf("fetch_status: %w: response has no state", ErrGatewayUnavailable)
	}
	return ParseConnectionState(raw), nil
}

// FetchQR returns the current pairing code. ErrNotReady means the gateway
// has no code to offer right now (already paired, or still booting).
func (c *Client) FetchQR(ctx context.Context, name string) (*QRCode, error) {
	body, err := c.do(ctx, "fetch_qr", http.MethodGet, "/instance/qrcode/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	code := firstString(res, "code", "qrcode.code", "pairingCode", "base64", "qrcode.base64")
	if code == "" {
		return nil, ErrNotReady
	}

	ttl := c.defaultQRTTL
	if secs := res.Get("ttl"); secs.Exists() && secs.Int() > 0 {
		ttl = time.Duration(secs.Int()) * time.Second
	}
	return &QRCode{Code: code, TTL: ttl}, nil
}

// do performs one request with the per-call timeout and classifies failures.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	body, err := c.roundTrip(callCtx, op, method, path, payload)
	if err != nil && ctx.Err() != nil {
		// the caller gave up; that is not a gateway failure
		err = fmt.Errorf("%s: %w", op, ctx.Err())
	}

	c.metrics.RecordGatewayCall(ctx, op, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug("gateway call failed", "op", op, "path", path, "error", err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// timeouts and transport errors are never NotFound
		return nil, fmt.Errorf("%s: %w: %v", op, ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: reading body: %v", op, ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, &StatusError{
		Op:     op,
		Code:   resp.StatusCode,
		Body:   truncate(string(body), 256),
		Reason: classify(op, resp.StatusCode, body),
	}
}

// classify maps an HTTP failure onto a gateway sentinel.
func classify(op string, code int, body []byte) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case op == "create" && (code == http.StatusConflict || code == http.StatusForbidden):
		return ErrNameConflict
	case op == "fetch_qr" && (code == http.StatusConflict || code == http.StatusTooEarly):
		return ErrNotReady
	case code == http.StatusBadRequest && mentionsMissing(body):
		// some gateways answer 400 "instance does not exist"
		return ErrNotFound
	default:
		return ErrGatewayUnavailable
	}
}

func mentionsMissing(body []byte) bool {
	msg := strings.ToLower(gjson.GetBytes(body, "response.message").String() + gjson.GetBytes(body, "message").String())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameConflict):
		return "conflict"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
