package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"stexchange/internal/admin"
	"stexchange/internal/book"
	"stexchange/internal/command"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
	"stexchange/internal/observability"
	"stexchange/internal/query"
)

// HTTPServer is the HTTP/JSON API surface: write endpoints feed commands
// into the core's request channel, read endpoints hit the projection tables
// through the query service.
type HTTPServer struct {
	requests   chan<- command.Request
	queries    *query.Service
	stub       *compute.StubProvider
	operator   *admin.Controller
	health     *observability.HealthChecker
	httpServer *http.Server
	addr       string
	log        zerolog.Logger
}

func NewHTTPServer(addr string, requests chan<- command.Request, queries *query.Service, stub *compute.StubProvider, operator *admin.Controller, health *observability.HealthChecker, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		requests: requests,
		queries:  queries,
		stub:     stub,
		operator: operator,
		health:   health,
		addr:     addr,
		log:      log,
	}
}

// Handler builds the full routing surface: gateway-mux API routes plus the
// health and metrics endpoints.
func (s *HTTPServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/deposits", s.handleDeposit},
		{"POST", "/v1/withdrawals", s.handleWithdraw},
		{"POST", "/v1/orders", s.handlePlaceOrder},
		{"POST", "/v1/orders/{order_id}/cancel", s.handleCancelOrder},
		{"POST", "/v1/settlements", s.handleSettle},
		{"POST", "/v1/provider-mode", s.handleSetProviderMode},
		{"POST", "/v1/computations/{computation_id}/results", s.handleInjectResult},
		{"POST", "/v1/computations/{computation_id}/finalize", s.handleFinalizeResult},
		{"GET", "/v1/owners/{owner}/balances", s.handleGetBalances},
		{"GET", "/v1/owners/{owner}/orders", s.handleGetOwnerOrders},
		{"GET", "/v1/orders/{order_id}", s.handleGetOrder},
		{"GET", "/v1/computations/{computation_id}/cursor", s.handleGetCursor},
		{"GET", "/v1/computations/{computation_id}/trades", s.handleGetTrades},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
	httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// Start runs the HTTP server (blocking) until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// submit sends a command to the core and waits for its reply.
func (s *HTTPServer) submit(ctx context.Context, cmd command.Command) (command.Outcome, error) {
	req := command.NewRequest(cmd)

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return command.Outcome{}, ctx.Err()
	}

	select {
	case resp := <-req.ReplyTo:
		return resp.Outcome, resp.Err
	case <-ctx.Done():
		return command.Outcome{}, ctx.Err()
	}
}

// --- write endpoints ---

type fundsRequest struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Kind      string `json:"kind"`
	Amount    uint64 `json:"amount"`
}

type outcomeResponse struct {
	Sequence  int64  `json:"sequence"`
	OrderID   uint64 `json:"order_id,omitempty"`
	Processed int    `json:"processed"`
	Applied   int    `json:"applied"`
	Complete  bool   `json:"complete"`
	Duplicate bool   `json:"duplicate"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, owner, asset, err := fundsRequestFields(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.submit(r.Context(), &command.Deposit{
		RequestID: requestID,
		Owner:     owner,
		Asset:     asset,
		Amount:    body.Amount,
		Timestamp: time.Now(),
	})
	s.writeOutcome(w, outcome, err)
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, owner, asset, err := fundsRequestFields(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.submit(r.Context(), &command.Withdraw{
		RequestID: requestID,
		Owner:     owner,
		Asset:     asset,
		Amount:    body.Amount,
		Timestamp: time.Now(),
	})
	s.writeOutcome(w, outcome, err)
}

func fundsRequestFields(body fundsRequest) (uuid.UUID, uuid.UUID, escrow.AssetRef, error) {
	requestID, err := uuid.Parse(body.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("request_id: %w", err)
	}
	owner, err := uuid.Parse(body.Owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("owner: %w", err)
	}

	var asset escrow.AssetRef
	switch body.Kind {
	case "native":
		if body.Asset != escrow.NativeAsset.Symbol {
			return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("native kind requires asset %s", escrow.NativeAsset.Symbol)
		}
		asset = escrow.NativeAsset
	case "token", "":
		if body.Asset == "" {
			return uuid.Nil, uuid.Nil, escrow.AssetRef{}, errors.New("asset is required")
		}
		asset = escrow.TokenAsset(body.Asset)
	default:
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("unknown asset kind %q", body.Kind)
	}
	return requestID, owner, asset, nil
}

type placeOrderRequest struct {
	RequestID  string `json:"request_id"`
	Owner      string `json:"owner"`
	Asset      string `json:"asset"`
	Amount     uint64 `json:"amount"`
	LimitPrice uint64 `json:"limit_price"`
	Side       string `json:"side"`
}

func (s *HTTPServer) handlePlaceOrder(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, err := uuid.Parse(body.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}
	owner, err := uuid.Parse(body.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}

	var side book.Side
	switch body.Side {
	case "buy":
		side = book.SideBuy
	case "sell":
		side = book.SideSell
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("side %q is not buy or sell", body.Side))
		return
	}

	outcome, err := s.submit(r.Context(), &command.PlaceOrder{
		RequestID:  requestID,
		Owner:      owner,
		Asset:      escrow.TokenAsset(body.Asset),
		Amount:     body.Amount,
		LimitPrice: body.LimitPrice,
		Side:       side,
		Timestamp:  time.Now(),
	})
	s.writeOutcome(w, outcome, err)
}

type cancelOrderRequest struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
}

func (s *HTTPServer) handleCancelOrder(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	orderID, err := strconv.ParseUint(pathParams["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("order_id: %w", err))
		return
	}

	var body cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, err := uuid.Parse(body.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}
	caller, err := uuid.Parse(body.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("caller: %w", err))
		return
	}

	outcome, err := s.submit(r.Context(), &command.CancelOrder{
		RequestID: requestID,
		Caller:    caller,
		OrderID:   orderID,
		Timestamp: time.Now(),
	})
	s.writeOutcome(w, outcome, err)
}

type settleRequest struct {
	RequestID     string `json:"request_id"`
	ComputationID uint64 `json:"computation_id"`
	MaxTrades     int    `json:"max_trades"`
	Policy        string `json:"policy"`
}

func (s *HTTPServer) handleSettle(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body settleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, err := uuid.Parse(body.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}

	var cmd command.Command
	switch body.Policy {
	case "sequential", "":
		cmd = &command.SettleSequential{
			RequestID:   requestID,
			Computation: body.ComputationID,
			MaxTrades:   body.MaxTrades,
			Timestamp:   time.Now(),
		}
	case "prioritized":
		cmd = &command.SettlePrioritized{
			RequestID:   requestID,
			Computation: body.ComputationID,
			MaxTrades:   body.MaxTrades,
			Timestamp:   time.Now(),
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("policy %q is not sequential or prioritized", body.Policy))
		return
	}

	outcome, err := s.submit(r.Context(), cmd)
	s.writeOutcome(w, outcome, err)
}

type providerModeRequest struct {
	RequestID string `json:"request_id"`
	Mode      string `json:"mode"`
}

func (s *HTTPServer) handleSetProviderMode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body providerModeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	requestID, err := uuid.Parse(body.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request_id: %w", err))
		return
	}
	mode, err := compute.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.submit(r.Context(), &command.SetProviderMode{
		RequestID:     requestID,
		OperatorToken: r.Header.Get("X-Operator-Token"),
		Mode:          mode,
		Timestamp:     time.Now(),
	})
	s.writeOutcome(w, outcome, err)
}

// --- operator result injection (stub backend) ---

type injectResultRequest struct {
	Matches   []matchRequest `json:"matches"`
	Finalized bool           `json:"finalized"`
}

type matchRequest struct {
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Asset       string `json:"asset"`
	Price       uint64 `json:"price"`
	Amount      uint64 `json:"amount"`
}

// handleInjectResult stores a match result in the stub backend. The stub is
// written regardless of the gateway's current mode, so an operator can stage
// results before switching modes.
func (s *HTTPServer) handleInjectResult(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := s.operator.Authorize(r.Header.Get("X-Operator-Token")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	computation, err := strconv.ParseUint(pathParams["computation_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("computation_id: %w", err))
		return
	}

	var body injectResultRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	matches := make([]compute.Trade, 0, len(body.Matches))
	for i, m := range body.Matches {
		buyer, err := uuid.Parse(m.Buyer)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("match %d buyer: %w", i, err))
			return
		}
		seller, err := uuid.Parse(m.Seller)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("match %d seller: %w", i, err))
			return
		}
		matches = append(matches, compute.Trade{
			BuyOrderID:  m.BuyOrderID,
			SellOrderID: m.SellOrderID,
			Buyer:       buyer,
			Seller:      seller,
			Asset:       escrow.TokenAsset(m.Asset),
			Price:       m.Price,
			Amount:      m.Amount,
		})
	}

	if err := s.stub.InjectResult(computation, matches, body.Finalized); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"computation_id": computation,
		"matches":        len(matches),
		"finalized":      body.Finalized,
	})
}

// handleFinalizeResult flips an injected result's finalized flag.
func (s *HTTPServer) handleFinalizeResult(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := s.operator.Authorize(r.Header.Get("X-Operator-Token")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	computation, err := strconv.ParseUint(pathParams["computation_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("computation_id: %w", err))
		return
	}

	if err := s.stub.Finalize(computation); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"computation_id": computation,
		"finalized":      true,
	})
}

// --- read endpoints ---

func (s *HTTPServer) handleGetBalances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	owner, err := uuid.Parse(pathParams["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}

	balances, err := s.queries.GetBalances(r.Context(), owner, minSequenceParam(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
}

func (s *HTTPServer) handleGetOwnerOrders(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	owner, err := uuid.Parse(pathParams["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}

	orders, err := s.queries.GetOwnerOrders(r.Context(), owner, minSequenceParam(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *HTTPServer) handleGetOrder(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	orderID, err := strconv.ParseUint(pathParams["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("order_id: %w", err))
		return
	}

	order, err := s.queries.GetOrder(r.Context(), orderID, minSequenceParam(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *HTTPServer) handleGetCursor(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	computation, err := strconv.ParseUint(pathParams["computation_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("computation_id: %w", err))
		return
	}

	cursor, err := s.queries.GetCursor(r.Context(), computation, minSequenceParam(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cursor)
}

func (s *HTTPServer) handleGetTrades(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	computation, err := strconv.ParseUint(pathParams["computation_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("computation_id: %w", err))
		return
	}

	trades, err := s.queries.GetTrades(r.Context(), computation, minSequenceParam(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// minSequenceParam reads the read-your-writes freshness requirement.
func minSequenceParam(r *http.Request) int64 {
	raw := r.URL.Query().Get("min_sequence")
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// --- response helpers ---

func (s *HTTPServer) writeOutcome(w http.ResponseWriter, outcome command.Outcome, err error) {
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{
		Sequence:  outcome.Sequence,
		OrderID:   outcome.OrderID,
		Processed: outcome.Processed,
		Applied:   outcome.Applied,
		Complete:  outcome.Complete,
		Duplicate: outcome.Duplicate,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrZeroAmount), errors.Is(err, book.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrUnauthorized), errors.Is(err, book.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, book.ErrOrderNotFound),
		errors.Is(err, query.ErrNotFound),
		errors.Is(err, compute.ErrResultMissing):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, book.ErrNotActive),
		errors.Is(err, compute.ErrResultNotReady),
		errors.Is(err, compute.ErrResultExists):
		return http.StatusConflict
	case errors.Is(err, query.ErrStale):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
