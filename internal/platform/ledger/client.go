// Package ledger is the HTTP client for the external balance ledger that
// holds user funds. Every mutation names the hold it acts on; the
// Idempotency-Key header is that reference qualified by the operation, so a
// lock, its release and its transfer never collide.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Client implements domain.BalanceLedger over the ledger's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a ledger client. token is sent as a bearer credential
// when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Account   string `json:"account"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type movementRequest struct {
	Account string `json:"account,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Amount  int64  `json:"amount"`
	Ref     string `json:"ref"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// GetBalance returns the account's available balance.
func (c *Client) GetBalance(ctx context.Context, account string) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/balance", nil, "")
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", account, err)
	}
	var out balanceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("ledger: decode balance: %w", err)
	}
	return out.Available, nil
}

// Lock moves amount from available to locked funds.
func (c *Client) Lock(ctx context.Context, account string, amount int64, ref string) error {
	_, err := c.do(ctx, http.MethodPost, "/locks", movementRequest{Account: account, Amount: amount, Ref: ref}, "lock:"+ref)
	if err != nil {
		return fmt.Errorf("ledger: lock %d on %s: %w", amount, account, err)
	}
	return nil
}

// Release returns locked funds to the account's available balance.
func (c *Client) Release(ctx context.Context, account string, amount int64, ref string) error {
	_, err := c.do(ctx, http.MethodPost, "/releases", movementRequest{Account: account, Amount: amount, Ref: ref}, "release:"+ref)
	if err != nil {
		return fmt.Errorf("ledger: release %d on %s: %w", amount, account, err)
	}
	return nil
}

// Transfer moves locked funds of from into the available balance of to.
func (c *Client) Transfer(ctx context.Context, from, to string, amount int64, ref string) error {
	_, err := c.do(ctx, http.MethodPost, "/transfers", movementRequest{From: from, To: to, Amount: amount, Ref: ref}, "transfer:"+ref)
	if err != nil {
		return fmt.Errorf("ledger: transfer %d %s->%s: %w", amount, from, to, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, idempotencyKey string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps ledger error responses. Insufficient funds is reported
// as 402 or as a 409 with code insufficient_funds. A 404 naming an unknown
// account is ErrNotFound; any other 404 means the ledger is misrouted and,
// like 5xx, is reported as ErrUnavailable.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	if status == http.StatusPaymentRequired || er.Code == "insufficient_funds" {
		return domain.ErrInsufficientFunds
	}
	if status == http.StatusNotFound && (er.Code == "account_not_found" || er.Code == "not_found") {
		return fmt.Errorf("%s: %w", er.Error, domain.ErrNotFound)
	}
	msg := er.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if status == http.StatusNotFound || status >= 500 {
		return fmt.Errorf("http %d: %s: %w", status, msg, domain.ErrUnavailable)
	}
	return fmt.Errorf("http %d: %s", status, msg)
}

var _ domain.BalanceLedger = (*Client)(nil)
