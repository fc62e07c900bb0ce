package ledger

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
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

const (
	methodTransferFrom = "icrc2_transfer_from"
	methodTransfer     = "icrc1_transfer"

	// CallerHeader carries the principal on whose behalf the gateway signs.
	CallerHeader = "X-Ledger-Caller"

	maxResponseSize = 1 << 20
)

// Client calls a ledger gateway over HTTP. Every call is bounded by the
// client timeout and guarded by a circuit breaker keyed on the gateway URL.
type Client struct {
	baseURL string
	owner   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a gateway client. owner is the principal that owns the
// escrow subaccounts and acts as ICRC-2 spender.
func NewClient(baseURL, owner string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		owner:   owner,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets a structured logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// WithBreaker replaces the default circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Owner returns the principal owning escrow subaccounts.
func (c *Client) Owner() string { return c.owner }

// CircuitState reports the breaker state for the gateway.
func (c *Client) CircuitState() circuitbreaker.State {
	return c.breaker.State(c.baseURL)
}

// PullTransfer moves amount from payer into the owner's subaccount using the
// payer's prior ICRC-2 approval. Returns the ledger block index.
func (c *Client) PullTransfer(ctx context.Context, payer string, subaccount []byte, amount uint64, memo string) (uint64, error) {
	ts := uint64(c.now().UnixNano()) //nolint:gosec // post-1970 clock
	return c.TransferFrom(ctx, TransferFromArgs{
		From:          Account{Owner: payer},
		To:            Account{Owner: c.owner, Subaccount: subaccount},
		Amount:        amount,
		Memo:          Blob(memo),
		CreatedAtTime: &ts,
	})
}

// PushTransfer moves amount out of the owner's subaccount to payee.
func (c *Client) PushTransfer(ctx context.Context, subaccount []byte, payee string, amount uint64, memo string) (uint64, error) {
	ts := uint64(c.now().UnixNano()) //nolint:gosec // post-1970 clock
	return c.Transfer(ctx, TransferArgs{
		FromSubaccount: subaccount,
		To:             Account{Owner: payee},
		Amount:         amount,
		Memo:           Blob(memo),
		CreatedAtTime:  &ts,
	})
}

// TransferFrom calls icrc2_transfer_from.
func (c *Client) TransferFrom(ctx context.Context, args TransferFromArgs) (uint64, error) {
	return c.call(ctx, methodTransferFrom, args, args.Amount)
}

// Transfer calls icrc1_transfer.
func (c *Client) Transfer(ctx context.Context, args TransferArgs) (uint64, error) {
	return c.call(ctx, methodTransfer, args, args.Amount)
}

func (c *Client) call(ctx context.Context, method string, args any, amount uint64) (block uint64, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+method, traces.LedgerMethod(method), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		metrics.LedgerTransferDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		result := "ok"
		if k := KindOf(err); k != "" {
			result = string(k)
		} else if err != nil {
			result = "error"
		}
		metrics.LedgerTransfersTotal.WithLabelValues(method, result).Inc()
	}()

	var res Result
	err = c.breaker.Execute(c.baseURL, func() error {
		var callErr error
		res, callErr = c.post(ctx, method, args)
		return callErr
	}, nil)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			c.logger.Warn("ledger circuit open", "method", method)
		}
		return 0, unavailable(err)
	}

	switch {
	case res.Err != nil:
		return 0, res.Err
	case res.Ok != nil:
		return *res.Ok, nil
	default:
		return 0, unavailable(errors.New("empty ledger response"))
	}
}

// post performs the HTTP exchange. Any error it returns means the ledger's
// answer is unknown; a decoded Err variant is a healthy response.
func (c *Client) post(ctx context.Context, method string, args any) (Result, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CallerHeader, c.owner)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s: gateway returned HTTP %d", method, resp.StatusCode)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode %s result: %w", method, err)
	}
	return res, nil
}
