package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/currency"
	"github.com/oxrent/rentex/pkg/exchange"
	"github.com/oxrent/rentex/pkg/receipt"
	"github.com/oxrent/rentex/pkg/strategy"
)

// Server exposes settlement, cancellation, and receipt operations over REST
// plus an event stream over WebSocket.
type Server struct {
	engine     *exchange.Engine
	receipts   *receipt.Ledger
	currencies *currency.Manager
	strategies *strategy.ExecutionManager
	router     *mux.Router
	hub        *Hub
	log        *zap.SugaredLogger
}

func NewServer(engine *exchange.Engine, receipts *receipt.Ledger, currencies *currency.Manager, strategies *strategy.ExecutionManager, hub *Hub, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:     engine,
		receipts:   receipts,
		currencies: currencies,
		strategies: strategies,
		router:     mux.NewRouter(),
		hub:        hub,
		log:        log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/settlements/ask-native", s.handleSettleAskNative).Methods("POST")
	api.HandleFunc("/settlements/ask", s.handleSettleAsk).Methods("POST")
	api.HandleFunc("/settlements/bid", s.handleSettleBid).Methods("POST")

	api.HandleFunc("/orders/cancel-all-below", s.handleCancelAllBelow).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelNonces).Methods("POST")
	api.HandleFunc("/orders/{signer}/min-nonce", s.handleGetMinNonce).Methods("GET")

	api.HandleFunc("/receipts/{id}", s.handleGetReceipt).Methods("GET")
	api.HandleFunc("/receipts/{id}/redeem", s.handleRedeem).Methods("POST")

	api.HandleFunc("/currencies", s.handleGetCurrencies).Methods("GET")
	api.HandleFunc("/strategies", s.handleGetStrategies).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.serveWS)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving the API.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

type settleFunc func(caller common.Address, taker *core.TakerOrder, maker *core.MakerOrder) (uint64, error)

func (s *Server) handleSettleAskNative(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	native, err := parseBig(req.NativeAmount, "nativeAmount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	s.settle(w, &req, func(caller common.Address, taker *core.TakerOrder, maker *core.MakerOrder) (uint64, error) {
		return s.engine.SettleAskWithNative(caller, native, taker, maker)
	})
}

func (s *Server) handleSettleAsk(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	s.settle(w, &req, s.engine.SettleAskWithToken)
}

func (s *Server) handleSettleBid(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	s.settle(w, &req, s.engine.SettleBidWithToken)
}

func (s *Server) settle(w http.ResponseWriter, req *SettleRequest, exec settleFunc) {
	taker, err := req.Taker.toCore()
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	maker, err := req.Maker.toCore()
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	receiptID, err := exec(common.HexToAddress(req.Caller), taker, maker)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{ReceiptID: receiptID})
}

func (s *Server) handleCancelAllBelow(w http.ResponseWriter, r *http.Request) {
	var req CancelAllBelowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if err := s.engine.CancelAllBelow(common.HexToAddress(req.Caller), req.NewMinNonce); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelNonces(w http.ResponseWriter, r *http.Request) {
	var req CancelNoncesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if err := s.engine.CancelNonces(common.HexToAddress(req.Caller), req.Nonces); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetMinNonce(w http.ResponseWriter, r *http.Request) {
	signer := common.HexToAddress(mux.Vars(r)["signer"])
	writeJSON(w, http.StatusOK, map[string]uint64{"minNonce": s.engine.MinNonce(signer)})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	data, err := s.receipts.GetData(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	desc, _ := s.receipts.Describe(id)
	writeJSON(w, http.StatusOK, ReceiptResponse{
		ID:          data.ID,
		Owner:       data.Owner.Hex(),
		Custodian:   data.Custodian.Hex(),
		Collection:  data.Collection.Hex(),
		AssetID:     data.AssetID.String(),
		Quantity:    data.Quantity.String(),
		Expiry:      data.Expiry,
		Description: desc,
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if err := s.receipts.Redeem(common.HexToAddress(req.Caller), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redeemed"})
}

func (s *Server) handleGetCurrencies(w http.ResponseWriter, r *http.Request) {
	list := s.currencies.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Hex()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"currencies": out})
}

func (s *Server) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	list := s.strategies.List()
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.Hex()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"strategies": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, ErrorResponse{Kind: kind, Error: err.Error()})
}

// writeEngineError maps the engine's failure kinds onto HTTP statuses so
// clients can branch on cause.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		authErr     *core.AuthorizationError
		staleErr    *core.StaleOrderError
		policyErr   *core.PolicyError
		matchErr    *core.MatchError
		transferErr *core.TransferError
		stateErr    *core.StateError
	)
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, "authorization", err)
	case errors.As(err, &staleErr):
		writeError(w, http.StatusConflict, "stale_order", err)
	case errors.As(err, &policyErr):
		writeError(w, http.StatusForbidden, "policy", err)
	case errors.As(err, &matchErr):
		writeError(w, http.StatusBadRequest, "match", err)
	case errors.As(err, &transferErr):
		writeError(w, http.StatusBadGateway, "transfer", err)
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, "state", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}
