package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/escrowdex/pkg/abci"
	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/app/core/transaction"
	"github.com/uhyunpark/escrowdex/pkg/app/dex"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/storage"
)

var (
	custody    = common.HexToAddress("0xE000000000000000000000000000000000000E00")
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000FEE")
	deployer   = common.HexToAddress("0xD0000000000000000000000000000000000000D0")
)

type fixture struct {
	app    *dex.App
	hub    *Hub
	srv    *httptest.Server
	alice  *crypto.Signer
	bob    *crypto.Signer
	qt     common.Address
	meth   common.Address
	height int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signers := dex.DevnetAccounts("api-test", 2)
	f := &fixture{alice: signers[0], bob: signers[1]}

	f.hub = NewHub(nil)
	metrics := NewMetrics()
	app, err := dex.New(dex.Config{
		Exchange: exchange.Config{Address: custody, FeeAccount: feeAccount, FeePercent: 10},
		Deployer: deployer,
		Genesis: []dex.GenesisToken{
			{Name: "Cutie Token <3", Symbol: "QT", Supply: 1000000, Holder: deployer},
			{Name: "Mock Ether", Symbol: "mETH", Supply: 1000000, Holder: deployer},
		},
		Airdrop:      []common.Address{f.alice.Address(), f.bob.Address()},
		AirdropUnits: 100,
	}, dex.Options{
		Store:   storage.NewMemoryStore(),
		Emitter: exchange.Emitters{f.hub, metrics},
		OnTx:    metrics.ObserveTx,
	})
	require.NoError(t, err)
	f.app = app
	for _, tk := range app.Tokens().List() {
		if tk.Symbol() == "QT" {
			f.qt = tk.Address()
		} else {
			f.meth = tk.Address()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	f.srv = httptest.NewServer(NewServer(app, f.hub, metrics, nil).Handler())
	t.Cleanup(func() {
		f.srv.Close()
		cancel()
	})
	return f
}

func (f *fixture) signed(t *testing.T, s *crypto.Signer, tx *transaction.SignedTransaction) []byte {
	t.Helper()
	require.NoError(t, transaction.Sign(f.app.Domain(), s, tx))
	raw, err := tx.Serialize()
	require.NoError(t, err)
	return raw
}

func (f *fixture) post(t *testing.T, raw []byte) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) block(t *testing.T) {
	t.Helper()
	f.height++
	prop := f.app.PrepareProposal(abci.RequestPrepareProposal{Height: f.height})
	f.app.FinalizeBlock(abci.RequestFinalizeBlock{
		Height: f.height,
		Time:   time.Unix(1_700_000_000+f.height, 0),
		Txs:    prop.Txs,
	})
}

// trade funds both traders, places order 1 from alice and fills it from bob.
func (f *fixture) trade(t *testing.T) {
	t.Helper()
	alice, bob := f.alice.Address(), f.bob.Address()
	one, two := token.MustParse("1"), token.MustParse("2")
	for _, raw := range [][]byte{
		f.signed(t, f.alice, transaction.NewApprove(f.qt, one, 1, alice)),
		f.signed(t, f.alice, transaction.NewDeposit(f.qt, one, 2, alice)),
		f.signed(t, f.bob, transaction.NewApprove(f.meth, two, 1, bob)),
		f.signed(t, f.bob, transaction.NewDeposit(f.meth, two, 2, bob)),
		f.signed(t, f.alice, transaction.NewOrder(transaction.OrderTerms{
			TokenGet: f.meth, AmountGet: one, TokenGive: f.qt, AmountGive: one,
		}, 3, alice)),
		f.signed(t, f.bob, transaction.NewFill(1, 3, bob)),
	} {
		code, _ := f.post(t, raw)
		require.Equal(t, http.StatusAccepted, code)
	}
	f.block(t)
}

func TestHealthAndExchangeInfo(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &health))
	assert.Equal(t, "ok", health["status"])

	var info ExchangeInfo
	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/exchange", &info))
	assert.Equal(t, custody.Hex(), info.Custody)
	assert.Equal(t, feeAccount.Hex(), info.FeeAccount)
	assert.Equal(t, uint64(10), info.FeePercent)
	assert.Equal(t, uint64(0), info.OrderCount)
}

func TestSubmitTxAndQueryState(t *testing.T) {
	f := newFixture(t)
	f.trade(t)

	var bal BalanceInfo
	path := fmt.Sprintf("/api/v1/balances/%s/%s", f.meth.Hex(), feeAccount.Hex())
	require.Equal(t, http.StatusOK, f.get(t, path, &bal))
	assert.Equal(t, "100000000000000000", bal.Amount)
	assert.Equal(t, "0.1", bal.Formatted)
	assert.Equal(t, "mETH", bal.Symbol)

	var order OrderInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/orders/1", &order))
	assert.Equal(t, "filled", order.Status)
	assert.Equal(t, f.alice.Address(), order.User)

	var orders []OrderInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/accounts/"+f.alice.Address().Hex()+"/orders?status=open", &orders))
	assert.Empty(t, orders)

	var events []json.RawMessage
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events?limit=2", &events))
	require.Len(t, events, 2)
	var newest exchange.Record
	require.NoError(t, json.Unmarshal(events[0], &newest))
	assert.Equal(t, exchange.KindTrade, newest.Event.Kind())

	var wallet WalletInfo
	require.Equal(t, http.StatusOK, f.get(t, fmt.Sprintf("/api/v1/tokens/%s/%s", f.qt.Hex(), f.alice.Address().Hex()), &wallet))
	assert.Equal(t, "99", wallet.BalanceFormatted)
	assert.Equal(t, "0", wallet.AllowanceFormatted)

	var nonce map[string]uint64
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/nonces/"+f.bob.Address().Hex(), &nonce))
	assert.Equal(t, uint64(4), nonce["next"])

	var status ChainStatus
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/chain/status", &status))
	assert.Equal(t, uint64(1), status.Height)
	assert.Equal(t, 0, status.MempoolSize)
}

func TestEventsKindFilterAppliesBeforeLimit(t *testing.T) {
	f := newFixture(t)
	f.trade(t)

	var events []json.RawMessage
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events?limit=1&kind=deposit", &events))
	require.Len(t, events, 1)
	var rec exchange.Record
	require.NoError(t, json.Unmarshal(events[0], &rec))
	require.Equal(t, exchange.KindDeposit, rec.Event.Kind())
	assert.Equal(t, f.bob.Address(), rec.Event.(exchange.DepositEvent).User)

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events?kind=withdraw", &events))
	assert.Empty(t, events)
}

func TestAccountBalancesOmitsZeroEntries(t *testing.T) {
	f := newFixture(t)
	alice := f.alice.Address()
	path := "/api/v1/accounts/" + alice.Hex() + "/balances"

	var balances []BalanceInfo
	require.Equal(t, http.StatusOK, f.get(t, path, &balances))
	assert.Empty(t, balances)

	// Alice gives away her whole QT deposit, leaving a zero ledger entry.
	f.trade(t)
	require.Equal(t, http.StatusOK, f.get(t, path, &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, f.meth.Hex(), balances[0].Token)
	assert.Equal(t, "1", balances[0].Formatted)
}

func TestReceipts(t *testing.T) {
	f := newFixture(t)
	raw := f.signed(t, f.bob, transaction.NewCancel(7, 1, f.bob.Address()))
	code, body := f.post(t, raw)
	require.Equal(t, http.StatusAccepted, code)
	hash := body["txHash"].(string)

	var rc map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/receipts/"+hash, &rc))
	assert.Equal(t, "pending", rc["status"])

	f.block(t)
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/receipts/"+hash, &rc))
	assert.Equal(t, "failed", rc["status"])
	assert.Equal(t, "not_found", rc["errorKind"])

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/receipts/0x1234", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/receipts/"+common.Hash{1}.Hex(), nil))
}

func TestSubmitTxRejections(t *testing.T) {
	f := newFixture(t)

	code, _ := f.post(t, []byte(`{"type":"fill"}`))
	assert.Equal(t, http.StatusBadRequest, code)

	forged := transaction.NewFill(1, 1, f.alice.Address())
	code, body := f.post(t, f.signed(t, f.bob, forged))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "signature")

	raw := f.signed(t, f.alice, transaction.NewFill(1, 1, f.alice.Address()))
	code, _ = f.post(t, raw)
	require.Equal(t, http.StatusAccepted, code)
	code, _ = f.post(t, raw)
	assert.Equal(t, http.StatusConflict, code)
}

func TestOrderErrors(t *testing.T) {
	f := newFixture(t)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/orders/42", &e))
	assert.Equal(t, "not_found", e.Kind)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/orders/abc", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/balances/0x12/0x34", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/events?limit=-1", nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{exchange.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("cancel 3: %w", exchange.ErrOrderNotFound), http.StatusNotFound},
		{exchange.ErrOrderFilled, http.StatusConflict},
		{exchange.ErrOrderCancelled, http.StatusConflict},
		{exchange.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{token.ErrInsufficientAllowance, http.StatusUnprocessableEntity},
		{exchange.ErrInvalidAmount, http.StatusBadRequest},
		{exchange.ErrReentrantCall, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.trade(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `escrowdex_events_total{kind="trade"} 1`)
	assert.Contains(t, text, `escrowdex_events_total{kind="deposit"} 2`)
	assert.Contains(t, text, `escrowdex_transactions_total{result="ok",type="fill"} 1`)
	assert.Contains(t, text, "escrowdex_block_height 1")
	assert.Contains(t, text, "escrowdex_mempool_size 0")
}

func TestServersShareMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := NewMetrics()
	require.NotPanics(t, func() {
		NewServer(f.app, f.hub, metrics, nil)
		NewServer(f.app, f.hub, metrics, nil)
	})

	f.trade(t)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "escrowdex_block_height 1")
}

func TestWebSocketStreamsSubscribedEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trade", "bogus"}}))
	require.Eventually(t, func() bool { return f.hub.Subscribers("trade") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.hub.Subscribers("bogus"))

	f.trade(t)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSEvent
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "trade", msg.Channel)
	trade, ok := msg.Record.Event.(exchange.TradeEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(1), trade.ID)
	assert.Equal(t, f.bob.Address(), trade.User)
}
