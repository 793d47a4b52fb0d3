package ledger

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/auction"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	dai  = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
)

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	srv := node.server(t)
	client, err := NewClient([]Endpoint{
		{Scope: "1", RPCURL: srv.URL, Exchange: testExchange},
		{Scope: "4", RPCURL: srv.URL, Exchange: testExchange},
	})
	require.NoError(t, err)
	return client
}

func TestSelector(t *testing.T) {
	sel := Selector("transfer(address,uint256)")
	require.Equal(t, "a9059cbb", hex.EncodeToString(sel[:]))
}

func TestClientTokenReads(t *testing.T) {
	node := newFakeNode()
	node.list(weth, 1)
	client := newTestClient(t, node)
	ctx := context.Background()

	ok, err := client.HasToken(ctx, "1", weth)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.HasToken(ctx, "1", dai)
	require.NoError(t, err)
	require.False(t, ok)

	id, err := client.ResolveID(ctx, "1", weth)
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	addr, err := client.TokenAddress(ctx, "1", 1)
	require.NoError(t, err)
	require.Equal(t, weth, addr)

	n, err := client.BlockNumber(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1b4), n)
}

func TestClientOrdersRoundTrip(t *testing.T) {
	elems := []auction.Element{
		{
			Owner:            "0x" + "ab" + "00000000000000000000000000000000000012",
			SellTokenBalance: big.NewInt(1_000_000),
			BuyToken:         1,
			SellToken:        2,
			ValidFrom:        10,
			ValidUntil:       20,
			PriceNumerator:   big.NewInt(3),
			PriceDenominator: big.NewInt(4),
			Remaining:        big.NewInt(5),
		},
		{
			Owner:            "0x" + "cd" + "00000000000000000000000000000000000034",
			SellTokenBalance: big.NewInt(0),
			BuyToken:         2,
			SellToken:        1,
			ValidFrom:        0,
			ValidUntil:       4294967295,
			PriceNumerator:   new(big.Int).Lsh(big.NewInt(1), 127),
			PriceDenominator: big.NewInt(1),
			Remaining:        big.NewInt(0),
		},
	}
	blob, err := auction.Encode(elems...)
	require.NoError(t, err)

	node := newFakeNode()
	node.orders = blob
	client := newTestClient(t, node)

	raw, err := client.EncodedOrders(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, blob, raw)

	orders, err := client.Orders(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, uint32(1), orders[1].Index)
	require.Equal(t, elems[0].Owner, orders[0].Owner)
	require.Equal(t, 0, elems[1].PriceNumerator.Cmp(orders[1].PriceNumerator))
	require.Equal(t, uint32(4294967295), orders[1].ValidUntil)

	user, err := client.UserOrders(context.Background(), "1", weth)
	require.NoError(t, err)
	require.Len(t, user, 2)
}

func TestClientEmptyOrders(t *testing.T) {
	client := newTestClient(t, newFakeNode())
	orders, err := client.Orders(context.Background(), "1")
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestClientRPCError(t *testing.T) {
	node := newFakeNode()
	node.rpcErr = &rpcError{Code: -32005, Message: "limit exceeded"}
	client := newTestClient(t, node)

	_, err := client.HasToken(context.Background(), "1", weth)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeLedger))
	require.Contains(t, err.Error(), `raw_code="-32005"`)
	require.Contains(t, err.Error(), "limit exceeded")
}

func TestClientHTTPStatusIsNetworkError(t *testing.T) {
	node := newFakeNode()
	node.status = http.StatusBadGateway
	client := newTestClient(t, node)

	_, err := client.ResolveID(context.Background(), "1", weth)
	require.True(t, errs.HasCode(err, errs.CodeNetwork))
	require.Contains(t, err.Error(), "http=502")
}

func TestClientRejectsBadInput(t *testing.T) {
	node := newFakeNode()
	client := newTestClient(t, node)

	_, err := client.HasToken(context.Background(), "1", "0x1234")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	_, err = client.HasToken(context.Background(), "5", weth)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	require.Zero(t, node.requests.Load())

	_, err = NewClient(nil)
	require.Error(t, err)
	_, err = NewClient([]Endpoint{{Scope: "1", RPCURL: "http://node", Exchange: "nope"}})
	require.Error(t, err)
	_, err = NewClient([]Endpoint{
		{Scope: "1", RPCURL: "http://a", Exchange: testExchange},
		{Scope: "1", RPCURL: "http://b", Exchange: testExchange},
	})
	require.Error(t, err)
}

func TestClientScopes(t *testing.T) {
	client, err := NewClient([]Endpoint{
		{Scope: "4", RPCURL: "http://rinkeby", Exchange: testExchange, RequestsPerSecond: 10},
		{Scope: "1", RPCURL: "http://mainnet", Exchange: testExchange},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "4"}, client.Scopes())
}

func TestABIDecoding(t *testing.T) {
	_, err := decodeBool(uintWord(2))
	require.Error(t, err)
	_, err = decodeBool([]byte{1})
	require.Error(t, err)
	_, err = decodeUint16(uintWord(70000))
	require.Error(t, err)

	payload := []byte("packed orders")
	out, err := decodeBytes(encodeBytes(payload))
	require.NoError(t, err)
	require.Equal(t, payload, out)

	bad := encodeBytes(payload)
	copy(bad[wordSize:2*wordSize], uintWord(1000))
	_, err = decodeBytes(bad)
	require.Error(t, err)
}

func TestChecksum(t *testing.T) {
	for _, want := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	} {
		got, err := Checksum(toLower(want))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := Checksum("0xzz")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	require.False(t, IsAddress("0x12"))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
