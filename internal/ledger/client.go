// Package ledger reads the exchange contract over Ethereum JSON-RPC.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/auction"
	"github.com/coachpo/dexsync/internal/observability"
	"github.com/coachpo/dexsync/internal/telemetry"
)

const (
	component         = "ledger"
	defaultRPCTimeout = 15 * time.Second
	maxErrorBody      = 4 << 10
)

// Endpoint binds a scope (network) to its RPC node and exchange contract.
type Endpoint struct {
	Scope    string
	RPCURL   string
	Exchange string
	// RequestsPerSecond paces requests to the node. Zero disables pacing.
	RequestsPerSecond float64
}

type endpoint struct {
	Endpoint
	pacer *rate.Limiter
}

// Client issues contract reads for one or more scopes.
type Client struct {
	endpoints  map[string]*endpoint
	httpClient *http.Client
	logger     observability.Logger
	ids        atomic.Uint64

	duration metric.Float64Histogram
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a client over endpoints.
func NewClient(endpoints []Endpoint, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("at least one endpoint required"))
	}
	c := &Client{
		endpoints:  make(map[string]*endpoint, len(endpoints)),
		httpClient: &http.Client{Timeout: defaultRPCTimeout},
		logger:     observability.Log(),
	}
	for _, ep := range endpoints {
		scope := strings.TrimSpace(ep.Scope)
		if scope == "" {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("endpoint scope required"))
		}
		if strings.TrimSpace(ep.RPCURL) == "" {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope), errs.WithMessage("rpc url required"))
		}
		if !IsAddress(ep.Exchange) {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope),
				errs.WithMessage(fmt.Sprintf("invalid exchange address %q", ep.Exchange)))
		}
		if _, dup := c.endpoints[scope]; dup {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope), errs.WithMessage("duplicate scope"))
		}
		ep.Scope = scope
		entry := &endpoint{Endpoint: ep}
		if ep.RequestsPerSecond > 0 {
			burst := int(ep.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
			entry.pacer = rate.NewLimiter(rate.Limit(ep.RequestsPerSecond), burst)
		}
		c.endpoints[scope] = entry
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	meter := otel.Meter("ledger")
	c.duration, _ = meter.Float64Histogram("ledger.rpc.duration",
		metric.WithDescription("JSON-RPC round-trip duration"),
		metric.WithUnit("ms"))
	return c, nil
}

// Scopes returns the configured scopes in sorted order.
func (c *Client) Scopes() []string {
	out := make([]string, 0, len(c.endpoints))
	for scope := range c.endpoints {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// BlockNumber returns the latest block number of scope.
func (c *Client) BlockNumber(ctx context.Context, scope string) (uint64, error) {
	ep, err := c.endpoint(scope)
	if err != nil {
		return 0, err
	}
	var result string
	if err := c.rpc(ctx, ep, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	n, err := parseQuantity(result)
	if err != nil {
		return 0, errs.New(component, errs.CodeLedger, errs.WithScope(scope),
			errs.WithMessage("decode block number"), errs.WithCause(err))
	}
	return n, nil
}

// HasToken reports whether the exchange lists the token.
func (c *Client) HasToken(ctx context.Context, scope, address string) (bool, error) {
	arg, err := addressArg(scope, address)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, scope, callData(sigHasToken, arg))
	if err != nil {
		return false, err
	}
	ok, err := decodeBool(out)
	if err != nil {
		return false, decodeErr(scope, sigHasToken, err)
	}
	return ok, nil
}

// ResolveID returns the exchange's id for a listed token.
func (c *Client) ResolveID(ctx context.Context, scope, address string) (uint16, error) {
	arg, err := addressArg(scope, address)
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, scope, callData(sigTokenAddressToID, arg))
	if err != nil {
		return 0, err
	}
	id, err := decodeUint16(out)
	if err != nil {
		return 0, decodeErr(scope, sigTokenAddressToID, err)
	}
	return id, nil
}

// TokenAddress returns the checksummed address registered under id.
func (c *Client) TokenAddress(ctx context.Context, scope string, id uint16) (string, error) {
	out, err := c.call(ctx, scope, callData(sigTokenIDToAddress, uintWord(uint64(id))))
	if err != nil {
		return "", err
	}
	addr, err := decodeAddress(out)
	if err != nil {
		return "", decodeErr(scope, sigTokenIDToAddress, err)
	}
	return Checksum(addr)
}

// EncodedOrders returns the packed order blob as 0x-prefixed hex.
func (c *Client) EncodedOrders(ctx context.Context, scope string) (string, error) {
	return c.bytesCall(ctx, scope, sigEncodedOrders, callData(sigEncodedOrders))
}

// EncodedUserOrders returns the packed orders of user as 0x-prefixed hex.
func (c *Client) EncodedUserOrders(ctx context.Context, scope, user string) (string, error) {
	arg, err := addressArg(scope, user)
	if err != nil {
		return "", err
	}
	return c.bytesCall(ctx, scope, sigEncodedUserOrders, callData(sigEncodedUserOrders, arg))
}

// Orders decodes the current order book of scope.
func (c *Client) Orders(ctx context.Context, scope string) ([]auction.Element, error) {
	blob, err := c.EncodedOrders(ctx, scope)
	if err != nil {
		return nil, err
	}
	return auction.Decode(blob), nil
}

// UserOrders decodes the orders placed by user.
func (c *Client) UserOrders(ctx context.Context, scope, user string) ([]auction.Element, error) {
	blob, err := c.EncodedUserOrders(ctx, scope, user)
	if err != nil {
		return nil, err
	}
	return auction.Decode(blob), nil
}

func (c *Client) bytesCall(ctx context.Context, scope, signature, data string) (string, error) {
	out, err := c.call(ctx, scope, data)
	if err != nil {
		return "", err
	}
	raw, err := decodeBytes(out)
	if err != nil {
		return "", decodeErr(scope, signature, err)
	}
	return "0x" + hex.EncodeToString(raw), nil
}

type callObject struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

func (c *Client) call(ctx context.Context, scope, data string) ([]byte, error) {
	ep, err := c.endpoint(scope)
	if err != nil {
		return nil, err
	}
	var result string
	if err := c.rpc(ctx, ep, "eth_call", []any{callObject{To: ep.Exchange, Data: data}, "latest"}, &result); err != nil {
		return nil, err
	}
	out, err := decodeHex(result)
	if err != nil {
		return nil, errs.New(component, errs.CodeLedger, errs.WithScope(scope),
			errs.WithMessage("decode call result"), errs.WithCause(err))
	}
	return out, nil
}

func (c *Client) endpoint(scope string) (*endpoint, error) {
	ep, ok := c.endpoints[scope]
	if !ok {
		return nil, errs.New(component, errs.CodeNotFound, errs.WithScope(scope), errs.WithMessage("unknown scope"))
	}
	return ep, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) rpc(ctx context.Context, ep *endpoint, method string, params []any, out any) (err error) {
	if ep.pacer != nil {
		if err := ep.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	started := time.Now()
	defer func() {
		result := telemetry.ResultSuccess
		if err != nil {
			result = telemetry.ResultError
		}
		c.duration.Record(ctx, float64(time.Since(started))/float64(time.Millisecond),
			metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), ep.Scope, method, result)...))
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.ids.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithScope(ep.Scope),
			errs.WithMessage(method+" request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errs.New(component, errs.CodeNetwork, errs.WithScope(ep.Scope), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(snippet))))
	}

	var payload rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errs.New(component, errs.CodeLedger, errs.WithScope(ep.Scope),
			errs.WithMessage("decode "+method+" response"), errs.WithCause(err))
	}
	if payload.Error != nil {
		return errs.New(component, errs.CodeLedger, errs.WithScope(ep.Scope),
			errs.WithRawCode(strconv.Itoa(payload.Error.Code)),
			errs.WithMessage(payload.Error.Message),
			errs.WithField("method", method))
	}
	if len(payload.Result) == 0 || string(payload.Result) == "null" {
		return errs.New(component, errs.CodeLedger, errs.WithScope(ep.Scope),
			errs.WithMessage(method+" returned no result"))
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return errs.New(component, errs.CodeLedger, errs.WithScope(ep.Scope),
			errs.WithMessage("decode "+method+" result"), errs.WithCause(err))
	}
	c.logger.Debug("ledger rpc", observability.F("scope", ep.Scope), observability.F("method", method))
	return nil
}

func addressArg(scope, address string) ([]byte, error) {
	arg, err := addressWord(address)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope),
			errs.WithMessage("invalid token address"), errs.WithCause(err))
	}
	return arg, nil
}

func decodeErr(scope, signature string, err error) error {
	return errs.New(component, errs.CodeLedger, errs.WithScope(scope),
		errs.WithMessage("decode "+signature+" result"), errs.WithCause(err))
}

func parseQuantity(q string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(q), "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}
