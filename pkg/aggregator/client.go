package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

const (
	defaultBaseURL           = "https://li.quest"
	errorBodyReadLimit int64 = 1024
)

var nativeTokenAddresses = map[string]struct{}{
	"0x0000000000000000000000000000000000000000": {},
	"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee": {},
}

// Client requests routes and executable transactions from a swap/bridge aggregator.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	integrator  string
	slippageBps int
	limiter     *rate.Limiter
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

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithIntegrator(name string) Option {
	return func(c *Client) { c.integrator = strings.TrimSpace(name) }
}

func WithSlippageBps(bps int) Option {
	return func(c *Client) {
		if bps > 0 {
			c.slippageBps = bps
		}
	}
}

func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:     defaultBaseURL,
		slippageBps: 50,
		httpClient:  &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RouteRequest asks for a route moving FromAmount base units of FromToken into ToToken.
type RouteRequest struct {
	FromChainID int64
	ToChainID   int64
	FromToken   string
	ToToken     string
	FromAmount  string
	FromAddress string
	ToAddress   string
}

// Route is the selected candidate. Artifact holds the aggregator's route object
// exactly as received and must be passed back unchanged.
type Route struct {
	Artifact         json.RawMessage
	ApprovalAddress  string
	RequiresApproval bool
	ToAmount         string
}

// ExecutableTx is the transaction that performs the route's first step.
// Value is the native amount in base units, base 10.
type ExecutableTx struct {
	To      string
	Data    string
	Value   string
	ChainID int64
}

// GetRoute returns the first candidate route.
func (c *Client) GetRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if req.FromToken == "" || req.ToToken == "" || req.FromAmount == "" || req.FromAddress == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "route request is incomplete")
	}
	toAddress := req.ToAddress
	if toAddress == "" {
		toAddress = req.FromAddress
	}

	body := map[string]any{
		"fromChainId":      req.FromChainID,
		"toChainId":        req.ToChainID,
		"fromTokenAddress": req.FromToken,
		"toTokenAddress":   req.ToToken,
		"fromAmount":       req.FromAmount,
		"fromAddress":      req.FromAddress,
		"toAddress":        toAddress,
		"options": map[string]any{
			"slippage":   float64(c.slippageBps) / 10_000,
			"integrator": c.integrator,
			"order":      "CHEAPEST",
		},
	}

	var out struct {
		Routes []json.RawMessage `json:"routes"`
	}
	if err := c.do(ctx, "/v1/advanced/routes", body, &out); err != nil {
		return nil, err
	}
	if len(out.Routes) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no route available")
	}

	artifact := out.Routes[0]
	var summary struct {
		ToAmount string `json:"toAmount"`
		Steps    []struct {
			Estimate struct {
				ApprovalAddress string `json:"approvalAddress"`
			} `json:"estimate"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(artifact, &summary); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode route")
	}
	if len(summary.Steps) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "route has no steps")
	}

	route := &Route{
		Artifact:        append(json.RawMessage(nil), artifact...),
		ApprovalAddress: summary.Steps[0].Estimate.ApprovalAddress,
		ToAmount:        summary.ToAmount,
	}
	route.RequiresApproval = !IsNativeToken(req.FromToken) && route.ApprovalAddress != ""
	return route, nil
}

// GetExecutableTransaction resolves the calldata for the route's first step.
func (c *Client) GetExecutableTransaction(ctx context.Context, artifact json.RawMessage, fromAddress, toAddress string) (*ExecutableTx, error) {
	var route struct {
		Steps []map[string]any `json:"steps"`
	}
	if err := json.Unmarshal(artifact, &route); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "route artifact is not valid")
	}
	if len(route.Steps) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "route artifact has no steps")
	}
	step := route.Steps[0]
	if action, ok := step["action"].(map[string]any); ok {
		if fromAddress != "" {
			action["fromAddress"] = fromAddress
		}
		if toAddress != "" {
			action["toAddress"] = toAddress
		}
	}

	var out struct {
		TransactionRequest struct {
			To      string `json:"to"`
			Data    string `json:"data"`
			Value   string `json:"value"`
			ChainID int64  `json:"chainId"`
		} `json:"transactionRequest"`
	}
	if err := c.do(ctx, "/v1/advanced/stepTransaction", step, &out); err != nil {
		return nil, err
	}
	txReq := out.TransactionRequest
	if txReq.To == "" || txReq.Data == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "step transaction missing target or data")
	}
	value, err := decimalValue(txReq.Value)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode step value")
	}
	return &ExecutableTx{To: txReq.To, Data: txReq.Data, Value: value, ChainID: txReq.ChainID}, nil
}

func IsNativeToken(address string) bool {
	_, ok := nativeTokenAddresses[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

// decimalValue accepts hex ("0x...") or decimal strings.
func decimalValue(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "0", nil
	}
	n := new(big.Int)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if raw == "0x" || raw == "0X" {
			return "0", nil
		}
		if _, ok := n.SetString(raw[2:], 16); !ok {
			return "", fmt.Errorf("invalid hex value %q", raw)
		}
		return n.String(), nil
	}
	if _, ok := n.SetString(raw, 10); !ok {
		return "", fmt.Errorf("invalid value %q", raw)
	}
	return n.String(), nil
}

func (c *Client) do(ctx context.Context, path string, body any, out any) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "aggregator client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregator rate limiter")
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal aggregator request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build aggregator request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute aggregator request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		code := pkgerrors.CodeDependency
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = pkgerrors.CodeValidation
		}
		return pkgerrors.Wrap(code, cause, "aggregator request failed")
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return pkgerrors.New(pkgerrors.CodeDependency, "empty aggregator response")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode aggregator response")
	}
	return nil
}
