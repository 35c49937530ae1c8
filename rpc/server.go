package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/provider"
)

var logger = log.Module("rpc")

// Handler is the method surface a server exposes.
type Handler interface {
	Handle(method string, params []json.RawMessage) (any, error)
	SubscribeEvents(ch chan<- provider.SubscriptionEvent) event.Subscription
}

// Config configures the transport.
type Config struct {
	Host string `json:"host" toml:"host"`
	Port int    `json:"port" toml:"port"`
	// CORSOrigins enables CORS for the listed origins; empty disables it.
	CORSOrigins []string `json:"corsOrigins" toml:"cors_origins"`
	// WSOrigins restricts WebSocket handshakes by Origin; empty or "*"
	// accepts every origin.
	WSOrigins    []string      `json:"wsOrigins" toml:"ws_origins"`
	MaxBatchSize int           `json:"maxBatchSize" toml:"max_batch_size"`
	MaxBodySize  int64         `json:"maxBodySize" toml:"max_body_size"`
	ReadTimeout  time.Duration `json:"readTimeout" toml:"read_timeout"`
	WriteTimeout time.Duration `json:"writeTimeout" toml:"write_timeout"`
}

// DefaultConfig listens on localhost:8545 and accepts any origin.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8545,
		CORSOrigins:  []string{"*"},
		WSOrigins:    []string{"*"},
		MaxBatchSize: 100,
		MaxBodySize:  5 << 20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server serves a Handler over HTTP POST and WebSocket on the same path.
type Server struct {
	handler  Handler
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	conns    map[*wsConn]struct{}
	stopping bool
}

// NewServer creates a server for h.
func NewServer(h Handler, cfg Config) *Server {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	s := &Server{
		handler: h,
		cfg:     cfg,
		conns:   make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     originValidator(cfg.WSOrigins),
	}
	return s
}

// Handler returns the HTTP handler, wrapped in CORS when configured.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.serveHTTP)
	if len(s.cfg.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodGet},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		})
		h = c.Handler(h)
	}
	return h
}

// Start listens on the configured address and serves in the background.
// It returns the bound address, which differs from the configured one
// when the port is 0.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("JSON-RPC server failed", "err", err)
		}
	}()
	logger.Info("JSON-RPC server started", "addr", ln.Addr())
	return ln.Addr(), nil
}

// Stop shuts the HTTP server down and closes every WebSocket connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	srv := s.http
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebsocket(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		// Health probe.
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodySize+1))
	if err != nil {
		writeJSON(w, errorResponse(nil, newError(ErrCodeParse, "failed to read request body")))
		return
	}
	if int64(len(body)) > s.cfg.MaxBodySize {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	writeJSON(w, s.handleMessage(body, nil))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", "err", err)
	}
}

// handleMessage decodes a single request or a batch and returns the
// response value to encode. conn is the WebSocket connection the message
// arrived on, nil for HTTP.
func (s *Server) handleMessage(body []byte, conn *wsConn) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return errorResponse(nil, newError(ErrCodeParse, "invalid JSON"))
		}
		if len(batch) == 0 {
			return errorResponse(nil, newError(ErrCodeInvalidRequest, "empty batch"))
		}
		if len(batch) > s.cfg.MaxBatchSize {
			return errorResponse(nil, newError(ErrCodeInvalidRequest, fmt.Sprintf("batch exceeds maximum size of %d", s.cfg.MaxBatchSize)))
		}
		// Calls run in order; later calls may depend on earlier ones.
		out := make([]*Response, len(batch))
		for i, raw := range batch {
			out[i] = s.handleRaw(raw, conn)
		}
		return out
	}
	return s.handleRaw(trimmed, conn)
}

func (s *Server) handleRaw(raw json.RawMessage, conn *wsConn) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, newError(ErrCodeParse, "invalid JSON"))
	}
	return s.handleRequest(&req, conn)
}

func (s *Server) handleRequest(req *Request, conn *wsConn) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return errorResponse(req.ID, newError(ErrCodeInvalidRequest, "invalid jsonrpc version"))
	}
	if req.Method == "" {
		return errorResponse(req.ID, newError(ErrCodeInvalidRequest, "method is required"))
	}
	if conn == nil && req.Method == "eth_subscribe" {
		return errorResponse(req.ID, newError(ErrCodeMethodNotFound, "eth_subscribe is only supported over WebSocket"))
	}

	result, err := s.handler.Handle(req.Method, req.Params)
	if err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, newError(ErrCodeInternal, err.Error()))
	}
	if conn != nil {
		conn.track(req, encoded)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(req.ID), Result: encoded}
}
