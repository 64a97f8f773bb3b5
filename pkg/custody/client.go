package custody

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

	"golang.org/x/time/rate"

	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

const (
	defaultBaseURL           = "https://api.circle.com"
	defaultFeeLevel          = "MEDIUM"
	errorBodyReadLimit int64 = 1024
)

var errAPIKeyRequired = errors.New("custody api key is required")

// Client talks to the custodial signer's REST API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	entitySecret string
	feeLevel     string
	limiter      *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithRateLimit caps outbound requests per second; rps <= 0 disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithEntitySecret(ciphertext string) Option {
	return func(c *Client) { c.entitySecret = strings.TrimSpace(ciphertext) }
}

func WithFeeLevel(level string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(level); trimmed != "" {
			c.feeLevel = strings.ToUpper(trimmed)
		}
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errAPIKeyRequired
	}
	client := &Client{
		apiKey:     trimmedKey,
		baseURL:    defaultBaseURL,
		feeLevel:   defaultFeeLevel,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SubmitContractExecution submits calldata for signing and broadcast. Repeating a
// request with the same idempotency key returns the original transaction.
func (c *Client) SubmitContractExecution(ctx context.Context, req ContractExecutionRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" || strings.TrimSpace(req.WalletID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key and wallet id are required")
	}
	if strings.TrimSpace(req.ContractAddress) == "" || strings.TrimSpace(req.CallData) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "contract address and call data are required")
	}

	body := map[string]any{
		"idempotencyKey":  req.IdempotencyKey,
		"walletId":        req.WalletID,
		"contractAddress": req.ContractAddress,
		"callData":        req.CallData,
		"feeLevel":        c.feeLevel,
	}
	if req.Amount != "" && req.Amount != "0" {
		body["amount"] = req.Amount
	}
	if c.entitySecret != "" {
		body["entitySecretCiphertext"] = c.entitySecret
	}

	var out struct {
		Data SubmitResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/contractExecution", body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "contract execution response missing transaction id")
	}
	return &out.Data, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	var out struct {
		Data struct {
			Transaction Transaction `json:"transaction"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/transactions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data.Transaction, nil
}

func (c *Client) GetToken(ctx context.Context, id string) (*Token, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "token id is required")
	}
	var out struct {
		Data struct {
			Token Token `json:"token"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/tokens/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data.Token, nil
}

func (c *Client) GetWalletBalances(ctx context.Context, walletID string) ([]TokenBalance, error) {
	if strings.TrimSpace(walletID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "wallet id is required")
	}
	var out struct {
		Data struct {
			TokenBalances []TokenBalance `json:"tokenBalances"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+url.PathEscape(walletID)+"/balances", nil, &out); err != nil {
		return nil, err
	}
	return out.Data.TokenBalances, nil
}

// PublicKey fetches the key used to sign notifications.
func (c *Client) PublicKey(ctx context.Context, keyID string) (*PublicKey, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "key id is required")
	}
	var out struct {
		Data PublicKey `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/notifications/publicKey/"+url.PathEscape(keyID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "custody client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "custody rate limiter")
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal custody request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build custody request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute custody request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return pkgerrors.Wrap(codeForStatus(resp.StatusCode), cause, fmt.Sprintf("custody %s %s failed", method, path))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode custody response")
	}
	return nil
}

// codeForStatus treats 429 and 5xx as transient; other 4xx are caller errors.
func codeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return pkgerrors.CodeDependency
	case status == http.StatusConflict:
		return pkgerrors.CodeConflict
	default:
		return pkgerrors.CodeValidation
	}
}
