package ledger

import (
	"encoding/hex"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
)

const testExchange = "0x6f400810b62df8e13fded51be75ff5393eaa841f"

// fakeNode answers the exchange reads from in-memory state.
type fakeNode struct {
	mu        sync.Mutex
	ids       map[string]uint16
	addresses map[uint16]string
	orders    string
	block     uint64
	rpcErr    *rpcError
	status    int

	requests atomic.Int32
	methods  []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		ids:       make(map[string]uint16),
		addresses: make(map[uint16]string),
		orders:    "0x",
		block:     0x1b4,
	}
}

func (n *fakeNode) list(addr string, id uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr = strings.ToLower(addr)
	n.ids[addr] = id
	n.addresses[id] = addr
}

func (n *fakeNode) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	t.Cleanup(srv.Close)
	return srv
}

type nodeRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (n *fakeNode) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n.requests.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != 0 {
		http.Error(w, "upstream unavailable", n.status)
		return
	}
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.methods = append(n.methods, req.Method)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if n.rpcErr != nil {
		resp["error"] = n.rpcErr
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	switch req.Method {
	case "eth_blockNumber":
		resp["result"] = "0x" + big.NewInt(int64(n.block)).Text(16)
	case "eth_call":
		var call callObject
		_ = json.Unmarshal(req.Params[0], &call)
		if !strings.EqualFold(call.To, testExchange) {
			resp["error"] = rpcError{Code: -32000, Message: "execution reverted"}
			break
		}
		resp["result"] = "0x" + hex.EncodeToString(n.answer(call.Data))
	default:
		resp["error"] = rpcError{Code: -32601, Message: "method not found"}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) answer(data string) []byte {
	raw, _ := decodeHex(data)
	var sel [4]byte
	copy(sel[:], raw[:4])
	args := raw[4:]
	switch sel {
	case Selector(sigHasToken):
		_, ok := n.ids[argAddress(args)]
		if ok {
			return uintWord(1)
		}
		return uintWord(0)
	case Selector(sigTokenAddressToID):
		return uintWord(uint64(n.ids[argAddress(args)]))
	case Selector(sigTokenIDToAddress):
		id := new(big.Int).SetBytes(args[:wordSize]).Uint64()
		word, _ := addressWord(n.addresses[uint16(id)])
		return word
	case Selector(sigEncodedOrders), Selector(sigEncodedUserOrders):
		blob, _ := decodeHex(n.orders)
		return encodeBytes(blob)
	}
	return nil
}

func argAddress(args []byte) string {
	return "0x" + hex.EncodeToString(args[wordSize-20:wordSize])
}

// encodeBytes ABI-encodes a single dynamic bytes return value.
func encodeBytes(b []byte) []byte {
	out := append([]byte{}, uintWord(wordSize)...)
	out = append(out, uintWord(uint64(len(b)))...)
	padded := make([]byte, (len(b)+wordSize-1)/wordSize*wordSize)
	copy(padded, b)
	return append(out, padded...)
}
