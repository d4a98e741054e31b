// Package rpc provides the JSON-RPC 2.0 and WebSocket surface of escrowd.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	engine   *escrow.Engine
	store    *storage.Storage
	wsHub    *WSHub
	validate *validator.Validate
	log      *logging.Logger
	started  time.Time

	handler  http.Handler
	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	OfferNotFound      = -32001
	Unauthorized       = -32002
	InvalidTransition  = -32003
	CancelNotAllowed   = -32004
	NoAdapter          = -32005
	ServiceUnavailable = -32006
)

// NewServer creates a new JSON-RPC server. hub and gatherer may be nil.
func NewServer(engine *escrow.Engine, store *storage.Storage, hub *WSHub, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		engine:   engine,
		store:    store,
		wsHub:    hub,
		validate: newValidator(),
		log:      logging.GetDefault().Component("rpc"),
		started:  time.Now(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	if hub != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
		mux.HandleFunc("GET /ws/", s.handleWS)
	}
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.handler = corsMiddleware(mux)

	return s
}

// newValidator returns a validator that compares decimals as floats, so
// tags like gt=0 apply to amounts.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Offer methods
	s.handlers["offers_create"] = s.offersCreate
	s.handlers["offers_get"] = s.offersGet
	s.handlers["offers_respond"] = s.offersRespond
	s.handlers["offers_cancel"] = s.offersCancel
	s.handlers["offers_list"] = s.offersList
	s.handlers["offers_archived"] = s.offersArchived

	// Escrow and chain methods
	s.handlers["escrow_queue"] = s.escrowQueue
	s.handlers["escrow_insuranceQuote"] = s.escrowInsuranceQuote
	s.handlers["chains_list"] = s.chainsList
}

// Handler returns the HTTP handler serving RPC, WebSocket and metrics.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// paramsError marks a handler error caused by the request parameters.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

// parseParams decodes params into v and validates it.
func (s *Server) parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramsError{err}
	}
	if err := s.validate.Struct(v); err != nil {
		return &paramsError{err}
	}
	return nil
}

// errorCode maps a handler error to a JSON-RPC error code.
func errorCode(err error) int {
	var pe *paramsError
	switch {
	case errors.As(err, &pe), errors.Is(err, escrow.ErrInvalidRequest):
		return InvalidParams
	case errors.Is(err, escrow.ErrOfferNotFound):
		return OfferNotFound
	case errors.Is(err, escrow.ErrUnauthorizedResponder):
		return Unauthorized
	case errors.Is(err, escrow.ErrInvalidTransition):
		return InvalidTransition
	case errors.Is(err, escrow.ErrCancelNotAllowed):
		return CancelNotAllowed
	case errors.Is(err, escrow.ErrNoAdapter):
		return NoAdapter
	case errors.Is(err, escrow.ErrStopped):
		return ServiceUnavailable
	default:
		return InternalError
	}
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
