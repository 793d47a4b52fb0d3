package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type headServer struct {
	connections atomic.Int32
	// heads are sent on every connection; the first connection is then dropped.
	heads []string
}

func (s *headServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	n := s.connections.Add(1)
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Method != "eth_subscribe" {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub"}`))
	_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
	_ = conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xother","result":{"number":"0x1"}}}`))
	for _, number := range s.heads {
		msg := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub","result":{"number":"` +
			number + `","hash":"0xh` + number + `"}}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
	}
	if n == 1 {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
		return
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func TestHeadWatcherDeliversHeadsAndReconnects(t *testing.T) {
	hs := &headServer{heads: []string{"0x10", "0x11"}}
	srv := httptest.NewServer(http.HandlerFunc(hs.serveHTTP))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var heads []Head
	watcher, err := NewHeadWatcher("1", "ws"+strings.TrimPrefix(srv.URL, "http"), func(_ context.Context, h Head) {
		mu.Lock()
		defer mu.Unlock()
		heads = append(heads, h)
		if len(heads) == 4 {
			cancel()
		}
	}, WithReconnectInterval(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, heads, 4)
	require.Equal(t, Head{Scope: "1", Number: 0x10, Hash: "0xh0x10"}, heads[0])
	require.Equal(t, uint64(0x11), heads[3].Number)
	require.GreaterOrEqual(t, hs.connections.Load(), int32(2))
}

func TestNewHeadWatcherValidation(t *testing.T) {
	_, err := NewHeadWatcher("1", "", func(context.Context, Head) {})
	require.Error(t, err)
	_, err = NewHeadWatcher("1", "ws://node", nil)
	require.Error(t, err)
}
