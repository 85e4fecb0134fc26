// Package mintapi talks to Cashu issuers over their HTTP and websocket APIs.
package mintapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"nutwallet/cashu"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMeltTimeout = 2 * time.Minute
	defaultUserAgent   = "nutwallet/1"
	maxErrorBody       = 64 << 10
)

// Issuer error codes the wallet branches on.
const (
	CodeTokenSpent     = 11001
	CodeInvalidInputs  = 11005
	CodeInvalidOutputs = 11006
	CodeQuoteExpired   = 20007
)

// Config defines the HTTP client settings shared by every issuer.
type Config struct {
	// Timeout bounds ordinary requests.
	Timeout time.Duration
	// MeltTimeout bounds melt requests, which block until the payment settles.
	MeltTimeout time.Duration
	// RequestsPerSecond caps the request rate per issuer. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// Transport overrides the base round tripper. It is always wrapped with
	// tracing.
	Transport http.RoundTripper
}

// APIError is a structured issuer rejection.
type APIError struct {
	Status int
	Code   int
	Detail string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("issuer error %d (status %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("issuer error (status %d): %s", e.Status, e.Detail)
}

// Is maps issuer codes onto the wallet error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case cashu.ErrQuoteExpired:
		return e.Code == CodeQuoteExpired
	case cashu.ErrInvalidInput:
		switch e.Code {
		case CodeTokenSpent, CodeInvalidInputs, CodeInvalidOutputs:
			return true
		}
		return e.Status == http.StatusBadRequest && e.Code == 0
	}
	return false
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp quotes.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client implements the issuer protocol over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[cashu.IssuerURL]*rate.Limiter
}

// New constructs a client with sane defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MeltTimeout <= 0 {
		cfg.MeltTimeout = defaultMeltTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: otelhttp.NewTransport(base)},
		logger:   slog.Default(),
		now:      time.Now,
		limiters: make(map[cashu.IssuerURL]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) limiter(issuer cashu.IssuerURL) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[issuer]; ok {
		return l
	}
	limit := rate.Inf
	if c.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(c.cfg.RequestsPerSecond)
	}
	l := rate.NewLimiter(limit, c.cfg.Burst)
	c.limiters[issuer] = l
	return l
}

// do performs one request. Transport failures and 5xx responses map onto
// cashu.ErrIssuerUnreachable; other non-2xx responses decode into *APIError.
func (c *Client) do(ctx context.Context, issuer cashu.IssuerURL, method, path string, body, out any, timeout time.Duration) error {
	if err := c.limiter(issuer).Wait(ctx); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mintapi: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, issuer.Endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("mintapi: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %w", cashu.ErrIssuerUnreachable, method, path, context.DeadlineExceeded)
		}
		return fmt.Errorf("%w: %s %s: %v", cashu.ErrIssuerUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		apiErr := decodeError(resp)
		return fmt.Errorf("%w: %s %s: %v", cashu.ErrIssuerUnreachable, method, path, apiErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mintapi: decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err == nil && (payload.Detail != "" || payload.Code != 0) {
		apiErr.Code = payload.Code
		apiErr.Detail = payload.Detail
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(raw))
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) get(ctx context.Context, issuer cashu.IssuerURL, path string, out any) error {
	return c.do(ctx, issuer, http.MethodGet, path, nil, out, c.cfg.Timeout)
}

func (c *Client) post(ctx context.Context, issuer cashu.IssuerURL, path string, body, out any) error {
	return c.do(ctx, issuer, http.MethodPost, path, body, out, c.cfg.Timeout)
}

// Info fetches issuer metadata (NUT-06).
func (c *Client) Info(ctx context.Context, issuer cashu.IssuerURL) (cashu.Info, error) {
	var resp infoResponse
	if err := c.get(ctx, issuer, "v1/info", &resp); err != nil {
		return cashu.Info{}, err
	}
	return cashu.Info{
		Name:       resp.Name,
		Version:    resp.Version,
		MPP:        resp.Nuts["15"].enabled(),
		WebSockets: resp.Nuts["17"].enabled(),
	}, nil
}

// Keysets lists every keyset the issuer advertises, without keys.
func (c *Client) Keysets(ctx context.Context, issuer cashu.IssuerURL) ([]cashu.Keyset, error) {
	var resp keysetsResponse
	if err := c.get(ctx, issuer, "v1/keysets", &resp); err != nil {
		return nil, err
	}
	out := make([]cashu.Keyset, 0, len(resp.Keysets))
	for _, ks := range resp.Keysets {
		out = append(out, ks.keyset())
	}
	return out, nil
}

// Keys fetches the public keys of one keyset.
func (c *Client) Keys(ctx context.Context, issuer cashu.IssuerURL, keysetID string) (cashu.Keyset, error) {
	var resp keysetsResponse
	if err := c.get(ctx, issuer, "v1/keys/"+keysetID, &resp); err != nil {
		return cashu.Keyset{}, err
	}
	for _, ks := range resp.Keysets {
		if ks.ID == keysetID {
			if len(ks.Keys) == 0 {
				return cashu.Keyset{}, fmt.Errorf("mintapi: keyset %s has no keys", keysetID)
			}
			return ks.keyset(), nil
		}
	}
	return cashu.Keyset{}, fmt.Errorf("%w: keyset %s not served by %s", cashu.ErrInvalidInput, keysetID, issuer)
}

func (c *Client) CreateMintQuote(ctx context.Context, issuer cashu.IssuerURL, amount uint64, unit string) (cashu.MintQuote, error) {
	var resp mintQuoteResponse
	if err := c.post(ctx, issuer, "v1/mint/quote/bolt11", mintQuoteRequest{Amount: amount, Unit: unit}, &resp); err != nil {
		return cashu.MintQuote{}, err
	}
	if resp.Quote == "" {
		return cashu.MintQuote{}, errors.New("mintapi: mint quote response missing id")
	}
	return resp.quote(issuer, amount, unit, c.now()), nil
}

func (c *Client) MintQuoteState(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MintQuote, error) {
	var resp mintQuoteResponse
	if err := c.get(ctx, issuer, "v1/mint/quote/bolt11/"+quoteID, &resp); err != nil {
		return cashu.MintQuote{}, err
	}
	if resp.Quote == "" {
		resp.Quote = quoteID
	}
	return resp.quote(issuer, 0, cashu.DefaultUnit, c.now()), nil
}

// Mint claims the proofs of a paid quote.
func (c *Client) Mint(ctx context.Context, issuer cashu.IssuerURL, quoteID string, amount uint64, keyset cashu.Keyset) (cashu.Proofs, error) {
	outputs, factors, err := cashu.NewOutputs(keyset.ID, cashu.SplitAmount(amount))
	if err != nil {
		return nil, err
	}
	var resp signaturesResponse
	if err := c.post(ctx, issuer, "v1/mint/bolt11", mintRequest{Quote: quoteID, Outputs: outputs}, &resp); err != nil {
		return nil, err
	}
	return cashu.Unblind(resp.Signatures, factors, keyset)
}

func (c *Client) CreateMeltQuote(ctx context.Context, issuer cashu.IssuerURL, req cashu.MeltQuoteRequest) (cashu.MeltQuote, error) {
	body := meltQuoteRequest{Request: req.Request, Unit: req.Unit}
	if body.Unit == "" {
		body.Unit = cashu.DefaultUnit
	}
	if req.PartialAmount > 0 {
		// NUT-15 partial amounts are expressed in millisatoshis.
		body.Options = &meltOptions{MPP: &mppOption{Amount: req.PartialAmount * 1000}}
	}
	var resp meltQuoteResponse
	if err := c.post(ctx, issuer, "v1/melt/quote/bolt11", body, &resp); err != nil {
		return cashu.MeltQuote{}, err
	}
	if resp.Quote == "" {
		return cashu.MeltQuote{}, errors.New("mintapi: melt quote response missing id")
	}
	return resp.quote(issuer, req.Request, c.now()), nil
}

func (c *Client) MeltQuoteState(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MeltQuote, error) {
	var resp meltQuoteResponse
	if err := c.get(ctx, issuer, "v1/melt/quote/bolt11/"+quoteID, &resp); err != nil {
		return cashu.MeltQuote{}, err
	}
	if resp.Quote == "" {
		resp.Quote = quoteID
	}
	return resp.quote(issuer, "", c.now()), nil
}

// Melt pays quote with inputs, attaching NUT-08 blank outputs so the unused
// fee reserve comes back as change.
func (c *Client) Melt(ctx context.Context, issuer cashu.IssuerURL, quote cashu.MeltQuote, inputs cashu.Proofs, keyset cashu.Keyset) (cashu.MeltResult, error) {
	blanks := cashu.BlankOutputCount(quote.FeeReserve)
	amounts := make([]uint64, blanks)
	for i := range amounts {
		amounts[i] = 1
	}
	outputs, factors, err := cashu.NewOutputs(keyset.ID, amounts)
	if err != nil {
		return cashu.MeltResult{}, err
	}
	var resp meltQuoteResponse
	body := meltRequest{Quote: quote.ID, Inputs: inputs, Outputs: outputs}
	if err := c.do(ctx, issuer, http.MethodPost, "v1/melt/bolt11", body, &resp, c.cfg.MeltTimeout); err != nil {
		return cashu.MeltResult{}, err
	}
	result := cashu.MeltResult{State: resp.meltState(), Preimage: resp.Preimage}
	if len(resp.Change) > 0 {
		change, err := cashu.Unblind(resp.Change, factors, keyset)
		if err != nil {
			c.logger.Warn("melt change unusable",
				slog.String("issuer", issuer.String()),
				slog.String("quote", quote.ID),
				slog.Any("error", err))
		} else {
			result.Change = change
		}
	}
	return result, nil
}

// Swap exchanges inputs for fresh proofs of the given amounts.
func (c *Client) Swap(ctx context.Context, issuer cashu.IssuerURL, inputs cashu.Proofs, amounts []uint64, keyset cashu.Keyset) (cashu.Proofs, error) {
	outputs, factors, err := cashu.NewOutputs(keyset.ID, amounts)
	if err != nil {
		return nil, err
	}
	var resp signaturesResponse
	if err := c.post(ctx, issuer, "v1/swap", swapRequest{Inputs: inputs, Outputs: outputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signatures) != len(outputs) {
		return nil, fmt.Errorf("mintapi: swap returned %d signatures for %d outputs", len(resp.Signatures), len(outputs))
	}
	return cashu.Unblind(resp.Signatures, factors, keyset)
}

// CheckState asks the issuer for the spend state of proofs (NUT-07).
func (c *Client) CheckState(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) ([]cashu.ProofState, error) {
	bySecret := make(map[string]string, len(proofs))
	ys := make([]string, 0, len(proofs))
	for _, p := range proofs {
		y, err := p.Y()
		if err != nil {
			return nil, fmt.Errorf("proof y: %w", err)
		}
		bySecret[y] = p.Secret
		ys = append(ys, y)
	}
	var resp checkStateResponse
	if err := c.post(ctx, issuer, "v1/checkstate", checkStateRequest{Ys: ys}, &resp); err != nil {
		return nil, err
	}
	out := make([]cashu.ProofState, 0, len(resp.States))
	for _, st := range resp.States {
		secret, ok := bySecret[strings.ToLower(st.Y)]
		if !ok {
			continue
		}
		out = append(out, cashu.ProofState{
			Secret: secret,
			Y:      st.Y,
			State:  cashu.ProofSpendState(strings.ToUpper(st.State)),
		})
	}
	return out, nil
}
