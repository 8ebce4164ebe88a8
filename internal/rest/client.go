package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/auth"
	"github.com/coachpo/ndaxstream/internal/observability"
)

const venue = "ndax"

// Client calls the public and private NDAX REST endpoints.
type Client struct {
	baseURL string
	omsID   int64
	http    *http.Client
	signer  *auth.Signer
	userID  string
	logger  observability.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithCredentials enables the private endpoints.
func WithCredentials(creds auth.Credentials) Option {
	return func(cl *Client) {
		cl.signer = auth.NewSigner(creds, time.Now)
		cl.userID = creds.UserID
	}
}

// WithOMSID overrides the default OMS id of 1.
func WithOMSID(id int64) Option {
	return func(cl *Client) {
		if id > 0 {
			cl.omsID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(cl *Client) {
		cl.logger = observability.Or(l)
	}
}

// New constructs a client for baseURL, e.g. https://api.ndax.io:8443/AP.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		omsID:   1,
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Instruments loads the instrument catalog.
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	query := url.Values{"OMSId": {strconv.FormatInt(c.omsID, 10)}}
	var out []Instrument
	if err := c.get(ctx, "GetInstruments", query, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accounts loads the account ids of the authenticated user.
func (c *Client) Accounts(ctx context.Context) ([]int64, error) {
	if c.signer == nil {
		return nil, errs.New(venue, errs.CodeAuth,
			errs.WithOperation("GetUserAccounts"),
			errs.WithMessage("credentials required"))
	}
	query := url.Values{
		"OMSId":  {strconv.FormatInt(c.omsID, 10)},
		"UserId": {c.userID},
	}
	var out []int64
	if err := c.get(ctx, "GetUserAccounts", query, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, private bool, out any) error {
	target := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errs.New(venue, errs.CodeInvalid, errs.WithOperation(endpoint), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if private {
		signed := c.signer.Sign()
		req.Header.Set("APIKey", signed.APIKey)
		req.Header.Set("Signature", signed.Signature)
		req.Header.Set("UserId", signed.UserID)
		req.Header.Set("Nonce", signed.Nonce)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(venue, errs.CodeNetwork, errs.WithOperation(endpoint), errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.New(venue, errs.CodeNetwork, errs.WithOperation(endpoint), errs.WithHTTP(resp.StatusCode), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(venue, errs.CodeNetwork,
			errs.WithOperation(endpoint),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(truncate(string(body), 512)))
	}
	if status, failed := rejected(body); failed {
		code := errs.CodeExchange
		if status.ErrorCode == 20 {
			code = errs.CodeAuth
		}
		return errs.New(venue, code,
			errs.WithOperation(endpoint),
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(status.ErrorMsg),
			errs.WithRawMessage(truncate(string(body), 512)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(venue, errs.CodeProtocol,
			errs.WithOperation(endpoint),
			errs.WithMessage("decode response"),
			errs.WithCause(err))
	}
	c.logger.Debug("rest call", observability.F("endpoint", endpoint), observability.F("bytes", len(body)))
	return nil
}

type status struct {
	Result    *bool  `json:"result"`
	ErrorMsg  string `json:"errormsg"`
	ErrorCode int    `json:"errorcode"`
}

// rejected reports whether body is a {result:false} error object.
func rejected(body []byte) (status, bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return status{}, false
	}
	var s status
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil || s.Result == nil {
		return status{}, false
	}
	return s, !*s.Result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
