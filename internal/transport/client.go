package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/reliability"
)

const (
	defaultBaseURL  = "https://api.twilio.com/2010-04-01"
	maxResponseBody = 1 << 20
)

type ClientConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	FromNumber string
	// PublicURL is this service's externally reachable base URL, used for
	// the voice and status webhooks of outbound calls.
	PublicURL  string
	HTTPClient *http.Client
	Retry      reliability.Policy
	Metrics    *observability.Metrics
}

// Client is a Twilio REST client.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("transport: account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("transport: auth token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = reliability.DefaultPolicy()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

type apiCall struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

func (a apiCall) toProviderCall() ProviderCall {
	pc := ProviderCall{
		SID:            a.SID,
		ProviderStatus: a.Status,
		Direction:      a.Direction,
		From:           a.From,
		To:             a.To,
	}
	if st, err := MapStatus(a.Status); err == nil {
		pc.Status = st
	}
	return pc
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// MakeCall places an outbound call. Only rate-limit rejections are retried;
// any other failure may already have created the call upstream.
func (c *Client) MakeCall(ctx context.Context, req OutboundCall) (ProviderCall, error) {
	data := url.Values{}
	data.Set("To", req.To)
	from := req.From
	if from == "" {
		from = c.cfg.FromNumber
	}
	data.Set("From", from)

	switch {
	case req.Twiml != "":
		data.Set("Twiml", req.Twiml)
	case req.URL != "":
		data.Set("Url", req.URL)
	case c.cfg.PublicURL != "":
		data.Set("Url", c.cfg.PublicURL+"/webhooks/twilio/voice")
	default:
		return ProviderCall{}, &calls.TransportError{Op: "make_call", Message: "no call instructions: set a public url or inline twiml"}
	}

	callback := req.StatusCallback
	if callback == "" && c.cfg.PublicURL != "" {
		callback = c.cfg.PublicURL + "/webhooks/twilio/status"
	}
	if callback != "" {
		data.Set("StatusCallback", callback)
		data.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if req.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(req.Timeout))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.cfg.BaseURL, c.cfg.AccountSID)
	onlyRateLimited := func(err error) bool {
		var te *calls.TransportError
		return errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests
	}
	out, err := reliability.Retry(ctx, c.cfg.Retry, onlyRateLimited, func(ctx context.Context, _ int) (apiCall, error) {
		var call apiCall
		err := c.do(ctx, "make_call", http.MethodPost, endpoint, data, &call)
		return call, err
	})
	if err != nil {
		return ProviderCall{}, err
	}
	return out.toProviderCall(), nil
}

func (c *Client) GetCall(ctx context.Context, sid string) (ProviderCall, error) {
	endpoint := c.callURL(sid)
	out, err := reliability.Retry(ctx, c.cfg.Retry, reliability.Retryable, func(ctx context.Context, _ int) (apiCall, error) {
		var call apiCall
		err := c.do(ctx, "get_call", http.MethodGet, endpoint, nil, &call)
		return call, err
	})
	if err != nil {
		return ProviderCall{}, err
	}
	return out.toProviderCall(), nil
}

// UpdateCall is idempotent on the provider side so transient failures are
// retried.
func (c *Client) UpdateCall(ctx context.Context, sid string, update CallUpdate) error {
	data := url.Values{}
	if update.Status != "" {
		data.Set("Status", update.Status)
	}
	if update.Twiml != "" {
		data.Set("Twiml", update.Twiml)
	}
	if update.URL != "" {
		data.Set("Url", update.URL)
	}
	if len(data) == 0 {
		return &calls.TransportError{Op: "update_call", Message: "empty update"}
	}
	endpoint := c.callURL(sid)
	_, err := reliability.Retry(ctx, c.cfg.Retry, reliability.Retryable, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, c.do(ctx, "update_call", http.MethodPost, endpoint, data, nil)
	})
	return err
}

// Hangup ends a live call.
func (c *Client) Hangup(ctx context.Context, sid string) error {
	return c.UpdateCall(ctx, sid, CallUpdate{Status: "completed"})
}

func (c *Client) callURL(sid string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.cfg.BaseURL, c.cfg.AccountSID, url.PathEscape(sid))
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, form url.Values, result any) (err error) {
	defer func() {
		if c.cfg.Metrics == nil {
			return
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.cfg.Metrics.TransportRequests.WithLabelValues(op, outcome).Inc()
	}()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &calls.TransportError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &calls.TransportError{Op: op, Err: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &calls.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err, Retryable: true}
	}

	if resp.StatusCode >= 400 {
		te := &calls.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  reliability.IsRetryableStatus(resp.StatusCode),
		}
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && (apiErr.Code != 0 || apiErr.Message != "") {
			te.Code = apiErr.Code
			te.Message = apiErr.Message
		} else {
			te.Message = strings.TrimSpace(string(raw))
		}
		return te
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return &calls.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
