package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/mempool"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/app/dex"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

const (
	maxTxBytes        = 64 << 10
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// Server handles REST API and WebSocket connections
type Server struct {
	app     *dex.App
	router  *mux.Router
	hub     *Hub
	metrics *Metrics
	logger  *zap.SugaredLogger

	// AllowedOrigins for CORS; set before Handler or Start.
	AllowedOrigins []string
}

// NewServer wires routes over app. hub and metrics should be the same values
// registered as the app's emitters; either may be nil.
func NewServer(app *dex.App, hub *Hub, metrics *Metrics, logger *zap.SugaredLogger) *Server {
	logger = util.OrNop(logger)
	if hub == nil {
		hub = NewHub(logger)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		app:            app,
		router:         mux.NewRouter(),
		hub:            hub,
		metrics:        metrics,
		logger:         logger,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
	}
	metrics.ObserveChain(chainSource{app})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Exchange
	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/balances/{token}/{address}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances", s.handleGetAccountBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Reference assets
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}/{address}", s.handleGetWallet).Methods("GET")

	// Transactions
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/receipts/{hash}", s.handleGetReceipt).Methods("GET")
	api.HandleFunc("/nonces/{address}", s.handleGetNonce).Methods("GET")

	// Chain
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done. The hub must be running.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Infow("api_server_stopped", "addr", addr)
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	var info ExchangeInfo
	s.app.View(func(ex *exchange.Exchange) {
		info = ExchangeInfo{
			Custody:    ex.Address().Hex(),
			FeeAccount: ex.FeeAccount().Hex(),
			FeePercent: ex.FeePercent(),
			OrderCount: ex.OrderCount(),
			StateRoot:  ex.StateRoot().Hex(),
		}
	})
	respondJSON(w, info)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tok, ok := parseAddress(w, vars["token"])
	if !ok {
		return
	}
	user, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}

	var amount *uint256.Int
	s.app.View(func(ex *exchange.Exchange) { amount = ex.BalanceOf(tok, user) })
	respondJSON(w, s.balanceInfo(tok, user, amount))
}

func (s *Server) handleGetAccountBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	out := []BalanceInfo{}
	s.app.View(func(ex *exchange.Exchange) {
		for _, b := range ex.Balances() {
			if b.User == user && !b.Amount.IsZero() {
				out = append(out, s.balanceInfo(b.Token, user, b.Amount))
			}
		}
	})
	respondJSON(w, out)
}

func (s *Server) balanceInfo(tok, user common.Address, amount *uint256.Int) BalanceInfo {
	info := BalanceInfo{Token: tok.Hex(), User: user.Hex(), Amount: amount.Dec()}
	decimals := uint8(token.DefaultDecimals)
	if t, err := s.app.Tokens().Token(tok); err == nil {
		info.Symbol = t.Symbol()
		decimals = t.Decimals()
	}
	info.Formatted = token.FormatUnits(amount, decimals)
	return info
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}

	var o *exchange.Order
	s.app.View(func(ex *exchange.Exchange) { o, err = ex.Order(id) })
	if err != nil {
		respondExchangeError(w, err)
		return
	}
	respondJSON(w, OrderInfo{Order: *o, Status: o.Status().String()})
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")

	out := []OrderInfo{}
	s.app.View(func(ex *exchange.Exchange) {
		ex.Orders(func(o *exchange.Order) {
			if o.User != user {
				return
			}
			if st := o.Status().String(); status == "" || status == st {
				out = append(out, OrderInfo{Order: *o, Status: st})
			}
		})
	})
	respondJSON(w, out)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxEventLimit)
	}

	var kinds []exchange.EventKind
	if kind := r.URL.Query().Get("kind"); kind != "" {
		kinds = append(kinds, exchange.EventKind(kind))
	}

	var recs []exchange.Record
	s.app.View(func(ex *exchange.Exchange) { recs = ex.Events().Last(limit, kinds...) })
	if recs == nil {
		recs = []exchange.Record{}
	}
	respondJSON(w, recs)
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.app.Tokens().List()
	out := make([]TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		info := TokenInfo{Address: t.Address().Hex(), Symbol: t.Symbol(), Decimals: t.Decimals()}
		if erc, ok := t.(*token.ERC20); ok {
			info.Name = erc.Name()
			info.TotalSupply = erc.TotalSupply().Dec()
		}
		out = append(out, info)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokAddr, ok := parseAddress(w, vars["token"])
	if !ok {
		return
	}
	owner, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}
	t, err := s.app.Tokens().Token(tokAddr)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return
	}

	var custody common.Address
	s.app.View(func(ex *exchange.Exchange) { custody = ex.Address() })
	bal, allowance := t.BalanceOf(owner), t.Allowance(owner, custody)
	respondJSON(w, WalletInfo{
		Token:              tokAddr.Hex(),
		Owner:              owner.Hex(),
		Balance:            bal.Dec(),
		BalanceFormatted:   token.FormatUnits(bal, t.Decimals()),
		Allowance:          allowance.Dec(),
		AllowanceFormatted: token.FormatUnits(allowance, t.Decimals()),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "failed to read body", err.Error())
		return
	}

	hash, err := s.app.PushTx(body)
	switch {
	case errors.Is(err, mempool.ErrFull):
		respondError(w, http.StatusServiceUnavailable, "mempool full", err.Error())
		return
	case errors.Is(err, mempool.ErrDuplicate):
		respondError(w, http.StatusConflict, "duplicate transaction", hash.Hex())
		return
	case err != nil:
		s.logger.Debugw("tx_rejected", "type", mempool.ClassifyRaw(body), "err", err)
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}

	s.logger.Debugw("tx_submitted", "hash", hash.Hex(), "type", mempool.ClassifyRaw(body), "bytes", len(body))
	respondJSONStatus(w, http.StatusAccepted, SubmitTxResponse{Status: string(dex.StatusPending), TxHash: hash.Hex()})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid tx hash", raw)
		return
	}
	rc, ok := s.app.Receipt(common.BytesToHash(b))
	if !ok {
		respondError(w, http.StatusNotFound, "receipt not found", raw)
		return
	}
	respondJSON(w, rc)
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	last := s.app.Nonce(owner)
	respondJSON(w, map[string]uint64{"last": last, "next": last + 1})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	b := s.app.LastBlock()
	respondJSON(w, ChainStatus{
		Height:      b.Height,
		BlockHash:   b.Hash.Hex(),
		BlockTime:   b.Time,
		StateRoot:   b.StateRoot.Hex(),
		MempoolSize: s.app.MempoolLen(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// statusFor maps an exchange failure to an HTTP status.
func statusFor(err error) int {
	switch exchange.Kind(err) {
	case exchange.KindUnauthorized:
		return http.StatusForbidden
	case exchange.KindNotFound:
		return http.StatusNotFound
	case exchange.KindInvalidState:
		return http.StatusConflict
	case exchange.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, exchange.ErrInvalidAmount) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondExchangeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	respondJSONStatus(w, status, ErrorResponse{
		Error:   strings.ToLower(http.StatusText(status)),
		Message: err.Error(),
		Kind:    exchange.Kind(err).String(),
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: errMsg, Message: message})
}

type chainSource struct{ app *dex.App }

func (c chainSource) MempoolLen() int { return c.app.MempoolLen() }
func (c chainSource) Height() uint64  { return c.app.LastBlock().Height }
