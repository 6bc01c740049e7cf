package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"susuchain/core/state"
	"susuchain/crypto"
	"susuchain/native/circle"
	"susuchain/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxTxPerWindow  = 30
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeServerError    = -32000
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the circle engine over JSON-RPC 2.0 on a single HTTP
// endpoint. Admin methods require the configured bearer token.
type Server struct {
	engine  *circle.Engine
	state   *state.Manager
	logger  *slog.Logger
	metrics *metrics.CircleMetrics

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
}

// NewServer wires the RPC surface around an engine and its state manager.
// An empty authToken disables the admin methods entirely.
func NewServer(engine *circle.Engine, manager *state.Manager, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:       engine,
		state:        manager,
		logger:       logger,
		metrics:      metrics.Circle(),
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    strings.TrimSpace(authToken),
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start blocks serving JSON-RPC on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEngineError maps sentinel errors from the circle engine onto
// JSON-RPC error codes and HTTP statuses.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	var limited *circle.RateLimitedError
	if errors.As(err, &limited) {
		writeError(w, http.StatusTooManyRequests, id, codeRateLimited, err.Error(), map[string]uint64{"retryAfterSeconds": limited.RetryAfter})
		return
	}
	switch {
	case errors.Is(err, circle.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, circle.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, circle.ErrInvalidConfig),
		errors.Is(err, circle.ErrInvalidAmount),
		errors.Is(err, circle.ErrAlreadyMember),
		errors.Is(err, circle.ErrCircleFull),
		errors.Is(err, circle.ErrNotMember),
		errors.Is(err, circle.ErrNotActive),
		errors.Is(err, circle.ErrCompleted),
		errors.Is(err, circle.ErrAlreadyContributed),
		errors.Is(err, circle.ErrCycleIncomplete),
		errors.Is(err, circle.ErrDeadlineExpired),
		errors.Is(err, circle.ErrInsufficientAllowance),
		errors.Is(err, circle.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "circle_create":
		if !s.allowSource(clientSource(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", nil)
			return
		}
		s.handleCircleCreate(w, r, req)
	case "circle_join":
		if !s.allowSource(clientSource(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", nil)
			return
		}
		s.handleCircleJoin(w, r, req)
	case "circle_deposit":
		if !s.allowSource(clientSource(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", nil)
			return
		}
		s.handleCircleDeposit(w, r, req)
	case "circle_payout":
		s.handleCirclePayout(w, r, req)
	case "circle_get":
		s.handleCircleGet(w, r, req)
	case "circle_getLedger":
		s.handleCircleGetLedger(w, r, req)
	case "circle_setFeePolicy":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSetFeePolicy(w, r, req)
	case "token_balance":
		s.handleTokenBalance(w, r, req)
	case "token_approve":
		s.handleTokenApprove(w, r, req)
	case "token_mint":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleTokenMint(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxTxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func singleObjectParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("parameter object required")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}

func parseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Fixed(), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	return amount, nil
}

// --- circle handlers ---

type circleCreateParams struct {
	Creator         string  `json:"creator"`
	Token           string  `json:"token"`
	Contribution    string  `json:"contribution"`
	MemberTarget    uint32  `json:"memberTarget"`
	CycleDuration   uint64  `json:"cycleDuration"`
	ProtocolFeeBps  *uint32 `json:"protocolFeeBps"`
	InsuranceFeeBps *uint32 `json:"insuranceFeeBps"`
	LateFeeBps      uint32  `json:"lateFeeBps"`
	GraceSeconds    uint64  `json:"graceSeconds"`
	PayoutOrder     string  `json:"payoutOrder"`
}

func (s *Server) handleCircleCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleCreateParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid creator address", err.Error())
		return
	}
	contribution, err := parseAmount(params.Contribution)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order := circle.PayoutRotation
	switch strings.ToLower(strings.TrimSpace(params.PayoutOrder)) {
	case "", "rotation":
	case "random":
		order = circle.PayoutRandom
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "payoutOrder must be rotation or random", params.PayoutOrder)
		return
	}

	var created *circle.Circle
	err = s.state.Atomic(func() error {
		var engineErr error
		created, engineErr = s.engine.Create(creator, circle.CreateParams{
			Token:           params.Token,
			Contribution:    contribution,
			MemberTarget:    params.MemberTarget,
			CycleDuration:   params.CycleDuration,
			ProtocolFeeBps:  params.ProtocolFeeBps,
			InsuranceFeeBps: params.InsuranceFeeBps,
			LateFeeBps:      params.LateFeeBps,
			GraceSeconds:    params.GraceSeconds,
			PayoutOrder:     order,
		})
		return engineErr
	})
	if err != nil {
		if errors.Is(err, circle.ErrRateLimited) {
			s.metrics.ObserveRateLimited()
		}
		s.metrics.ObserveRPC(req.Method, "error")
		writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.ObserveCreated()
	s.metrics.ObserveRPC(req.Method, "ok")
	s.logger.Info("circle created", "circleId", created.ID, "creator", params.Creator)
	writeResult(w, req.ID, circleResult(created))
}

type circleCallParams struct {
	Caller   string `json:"caller"`
	CircleID uint64 `json:"circleId"`
}

func (s *Server) handleCircleJoin(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleCallParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}

	var bit uint8
	var record *circle.Circle
	err = s.state.Atomic(func() error {
		var engineErr error
		bit, engineErr = s.engine.Join(caller, params.CircleID)
		if engineErr != nil {
			return engineErr
		}
		record, engineErr = s.engine.Get(params.CircleID)
		return engineErr
	})
	if err != nil {
		s.metrics.ObserveRPC(req.Method, "error")
		writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.ObserveJoin(record.Status == circle.StatusActive)
	s.metrics.ObserveRPC(req.Method, "ok")
	writeResult(w, req.ID, map[string]interface{}{
		"circle":   circleResult(record),
		"bitIndex": bit,
	})
}

type circleDepositParams struct {
	Caller   string `json:"caller"`
	CircleID uint64 `json:"circleId"`
	Amount   string `json:"amount"`
}

func (s *Server) handleCircleDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleDepositParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}

	var record *circle.Circle
	err = s.state.Atomic(func() error {
		if engineErr := s.engine.Deposit(caller, params.CircleID, amount); engineErr != nil {
			return engineErr
		}
		var engineErr error
		record, engineErr = s.engine.Get(params.CircleID)
		return engineErr
	})
	if err != nil {
		s.metrics.ObserveRPC(req.Method, "error")
		writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.ObserveDeposit(record.Token)
	s.metrics.ObserveRPC(req.Method, "ok")
	writeResult(w, req.ID, circleResult(record))
}

type circleIDParams struct {
	CircleID uint64 `json:"circleId"`
}

func (s *Server) handleCirclePayout(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleIDParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}

	var receipt *circle.PayoutReceipt
	var token string
	err := s.state.Atomic(func() error {
		record, engineErr := s.engine.Get(params.CircleID)
		if engineErr != nil {
			return engineErr
		}
		token = record.Token
		receipt, engineErr = s.engine.Payout(params.CircleID)
		return engineErr
	})
	if err != nil {
		s.metrics.ObserveRPC(req.Method, "error")
		writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.ObservePayout(token, receipt.Completed)
	s.metrics.ObserveRPC(req.Method, "ok")
	s.logger.Info("cycle settled", "circleId", params.CircleID, "cycle", receipt.Cycle, "completed", receipt.Completed)
	writeResult(w, req.ID, payoutResult(params.CircleID, receipt))
}

func (s *Server) handleCircleGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleIDParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var record *circle.Circle
	err := s.state.Atomic(func() error {
		var engineErr error
		record, engineErr = s.engine.Get(params.CircleID)
		return engineErr
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, circleResult(record))
}

func (s *Server) handleCircleGetLedger(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params circleIDParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var record *circle.Circle
	var ledger *circle.Ledger
	err := s.state.Atomic(func() error {
		var engineErr error
		record, engineErr = s.engine.Get(params.CircleID)
		if engineErr != nil {
			return engineErr
		}
		ledger, engineErr = s.engine.LedgerOf(params.CircleID)
		return engineErr
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ledgerResult(params.CircleID, record.Token, ledger))
}

type feePolicyParams struct {
	Caller          string `json:"caller"`
	ProtocolFeeBps  uint32 `json:"protocolFeeBps"`
	InsuranceFeeBps uint32 `json:"insuranceFeeBps"`
}

func (s *Server) handleSetFeePolicy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params feePolicyParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	policy := circle.FeePolicy{
		ProtocolFeeBps:  params.ProtocolFeeBps,
		InsuranceFeeBps: params.InsuranceFeeBps,
	}
	err = s.state.Atomic(func() error {
		return s.engine.SetFeePolicy(caller, policy)
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.logger.Info("fee policy updated", "protocolFeeBps", policy.ProtocolFeeBps, "insuranceFeeBps", policy.InsuranceFeeBps)
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

// --- token handlers (bootstrap/demo surface) ---

type tokenBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenBalanceParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	token, err := circle.NormalizeToken(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var balance *big.Int
	err = s.state.Atomic(func() error {
		var stateErr error
		balance, stateErr = s.state.BalanceOf(addr, token)
		return stateErr
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load balance", err.Error())
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: params.Address,
		Token:   token,
		Balance: balance.String(),
	})
}

type tokenApproveParams struct {
	Owner    string `json:"owner"`
	CircleID uint64 `json:"circleId"`
	Amount   string `json:"amount"`
}

// handleTokenApprove grants a circle's vault spending rights over the
// owner's balance, covering future deposits.
func (s *Server) handleTokenApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenApproveParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	vault := state.CircleVaultAddress(params.CircleID)
	err = s.state.Atomic(func() error {
		record, engineErr := s.engine.Get(params.CircleID)
		if engineErr != nil {
			return engineErr
		}
		return s.state.Approve(owner, vault, record.Token, amount)
	})
	if err != nil {
		if errors.Is(err, circle.ErrNotFound) {
			writeEngineError(w, req.ID, err)
			return
		}
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type tokenMintParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *Server) handleTokenMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenMintParams
	if err := singleObjectParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	token, err := circle.NormalizeToken(params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	err = s.state.Atomic(func() error {
		return s.state.Mint(addr, token, amount)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}
