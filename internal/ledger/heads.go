package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/observability"
)

const (
	headReadLimit            = 1 << 20
	defaultReconnectInterval = 500 * time.Millisecond
	maxReconnectInterval     = 30 * time.Second
)

// Head is a new block announced by a node.
type Head struct {
	Scope  string
	Number uint64
	Hash   string
}

// HeadHandler is invoked once per announced block.
type HeadHandler func(ctx context.Context, head Head)

// HeadWatcher follows newHeads over a WebSocket subscription and reconnects
// with exponential backoff when the connection drops.
type HeadWatcher struct {
	scope  string
	url    string
	handle HeadHandler
	logger observability.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
}

// WatcherOption configures a HeadWatcher.
type WatcherOption func(*HeadWatcher)

// WithWatcherLogger overrides the watcher logger.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *HeadWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithReconnectInterval bounds the reconnect backoff.
func WithReconnectInterval(initial, ceiling time.Duration) WatcherOption {
	return func(w *HeadWatcher) {
		if initial > 0 {
			w.initialInterval = initial
		}
		if ceiling > 0 {
			w.maxInterval = ceiling
		}
	}
}

// NewHeadWatcher constructs a watcher for scope at wsURL.
func NewHeadWatcher(scope, wsURL string, handle HeadHandler, opts ...WatcherOption) (*HeadWatcher, error) {
	if strings.TrimSpace(wsURL) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope), errs.WithMessage("websocket url required"))
	}
	if handle == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithScope(scope), errs.WithMessage("head handler required"))
	}
	w := &HeadWatcher{
		scope:           scope,
		url:             wsURL,
		handle:          handle,
		logger:          observability.Log(),
		initialInterval: defaultReconnectInterval,
		maxInterval:     maxReconnectInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run follows heads until ctx is done and then returns ctx.Err().
func (w *HeadWatcher) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = w.initialInterval
	backoffCfg.MaxInterval = w.maxInterval
	backoffCfg.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.session(ctx, backoffCfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = w.maxInterval
		}
		if errClosed(err) {
			w.logger.Info("head subscription closed by node",
				observability.F("scope", w.scope), observability.F("retry_in", sleep))
		} else {
			w.logger.Warn("head subscription lost",
				observability.F("scope", w.scope),
				observability.F("error", err),
				observability.F("retry_in", sleep))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type subscribeRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      uint64   `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params *struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Number string `json:"number"`
			Hash   string `json:"hash"`
		} `json:"result"`
	} `json:"params"`
}

func (w *HeadWatcher) session(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(headReadLimit)

	payload, err := json.Marshal(subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []string{"newHeads"}})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	subscription := ""
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("ignoring undecodable frame", observability.F("scope", w.scope), observability.F("error", err))
			continue
		}
		switch {
		case msg.ID != nil && *msg.ID == 1:
			if msg.Error != nil {
				return errs.New(component, errs.CodeLedger, errs.WithScope(w.scope),
					errs.WithMessage(msg.Error.Message), errs.WithRawCode(fmt.Sprint(msg.Error.Code)))
			}
			if err := json.Unmarshal(msg.Result, &subscription); err != nil {
				return fmt.Errorf("decode subscription id: %w", err)
			}
			backoffCfg.Reset()
			w.logger.Info("head subscription established",
				observability.F("scope", w.scope), observability.F("subscription", subscription))
		case msg.Method == "eth_subscription" && msg.Params != nil:
			if subscription != "" && msg.Params.Subscription != subscription {
				continue
			}
			number, err := parseQuantity(msg.Params.Result.Number)
			if err != nil {
				w.logger.Debug("ignoring head without number", observability.F("scope", w.scope))
				continue
			}
			w.handle(ctx, Head{Scope: w.scope, Number: number, Hash: msg.Params.Result.Hash})
		}
	}
}

// errClosed reports whether err is a normal close of the connection.
func errClosed(err error) bool {
	return errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
