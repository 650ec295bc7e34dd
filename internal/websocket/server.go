package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/handshake"
	"github.com/cardroom/wsrpc/internal/jsonrpc"
	"github.com/cardroom/wsrpc/internal/obs"
	"github.com/cardroom/wsrpc/internal/registry"
	"github.com/cardroom/wsrpc/internal/token"
)

const maxRequestBody = 1 << 20 // 1MB per HTTP JSON-RPC request

// CheckOriginFn is a function that validates the origin of a WebSocket
// connection request. It receives the HTTP request and returns true if the
// origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after a client completes the transport upgrade and
// its socket is attached to the admitted record. The callback runs
// synchronously during connection setup; avoid long-running work here.
type OnConnectFn = func(sess wsrpc.Session)

// OnDisconnectFn is invoked when an established session ends. voluntary is
// true when the disconnect was initiated by the client, false for
// unexpected or server-initiated disconnects.
type OnDisconnectFn = func(sess wsrpc.Session, voluntary bool)

// ServerConfig configures one session server.
type ServerConfig struct {
	Addr string
	// HTTPOnlyHandshake requires WSS_Handshake to arrive over the HTTP
	// endpoint; an in-band handshake then fails with WrongTransport.
	HTTPOnlyHandshake bool
	// MaxPerIdentity caps concurrent records per connection identity.
	MaxPerIdentity  int
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	Logger          zerolog.Logger
}

// Server implements wsrpc.SessionServer. It serves JSON-RPC 2.0 on two
// endpoints sharing one dispatch table: POST /rpc and the WebSocket upgrade
// at /ws, which admits only established sessions.
type Server struct {
	addr     string
	server   *http.Server
	sessions sync.Map // map[privateID]*Session
	handlers sync.Map // map[string]wsrpc.Handler

	reg       *registry.Registry
	hs        *handshake.Handshaker
	validator *handshake.Validator

	rateLimitConfig *RateLimitConfig

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn
	log          zerolog.Logger
}

// New creates a session server. A nil RateLimitConfig falls back to
// DefaultRateLimitConfig; a zero MaxPerIdentity falls back to 3.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.MaxPerIdentity < 1 {
		cfg.MaxPerIdentity = 3
	}

	logger := cfg.Logger.With().Str("component", "server").Logger()
	reg := registry.New(cfg.MaxPerIdentity, cfg.Logger)

	return &Server{
		addr:            cfg.Addr,
		reg:             reg,
		hs:              handshake.New(reg, cfg.HTTPOnlyHandshake, cfg.Logger),
		validator:       handshake.NewValidator(reg),
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnDisconnect,
		log:             logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Registry exposes the connection table for teardown paths and diagnostics.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Start starts the server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(wsrpc.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/healthz", obs.Handler())

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.addr).Msg("listening")
		return nil
	}
}

// Stop stops the server and closes all established sessions
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.sessions.Range(func(key, value interface{}) bool {
		if sess, ok := value.(*Session); ok {
			sess.Close(ctx)
		}
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// RegisterMethod registers a JSON-RPC method handler. WSS_Handshake is
// reserved and cannot be overridden.
func (s *Server) RegisterMethod(method string, handler wsrpc.Handler) error {
	if method == wsrpc.MethodHandshake {
		return fmt.Errorf("method %s is reserved", wsrpc.MethodHandshake)
	}
	s.handlers.Store(method, handler)
	return nil
}

// handleRPC serves JSON-RPC over HTTP. This is where WSS_Handshake must
// arrive when the handshake is restricted to HTTP transport.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, rpcErr := jsonrpc.DecodeRequest(body)
	if rpcErr != nil {
		writeResponse(w, jsonrpc.NewErrorResponse(nil, rpcErr))
		return
	}

	obs.RPCRequestsTotal.WithLabelValues(req.Method, "http").Inc()

	if req.Method == wsrpc.MethodHandshake {
		result, rpcErr := s.hs.Handle(handshake.Request{
			RemoteAddr:   r.RemoteAddr,
			RemoteFamily: familyOf(r.RemoteAddr),
			OverHTTP:     true,
			UserToken:    stringParam(req.Params, "user_token"),
		})
		if rpcErr != nil {
			writeResponse(w, jsonrpc.NewErrorResponse(req.ID, rpcErr))
			return
		}
		writeResponse(w, jsonrpc.NewResponse(req.ID, result))
		return
	}

	id := registry.IdentityOf(r.RemoteAddr, familyOf(r.RemoteAddr))
	if !s.authorized(id, req.Params) {
		writeResponse(w, jsonrpc.NewErrorResponse(req.ID, wsrpc.NotEstablishedError()))
		return
	}

	// HTTP calls have no attached session; handlers receive nil.
	writeResponse(w, s.invoke(nil, req))
}

// handleUpgrade attaches the transport to a previously admitted session.
// The token pair from the query string must match a pending record for the
// caller's identity.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userToken := r.URL.Query().Get("user_token")
	serverToken := r.URL.Query().Get("server_token")
	identity := registry.IdentityOf(r.RemoteAddr, familyOf(r.RemoteAddr))

	if !s.validator.IsEstablished(identity, userToken, serverToken) {
		s.log.Warn().Str("identity", string(identity)).Msg("upgrade rejected: session not established")
		http.Error(w, wsrpc.ErrNotEstablished, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		return
	}

	privateID := token.DerivePrivateID(serverToken, userToken)
	sess := newSession(conn, r.RemoteAddr, identity, privateID, s.rateLimitConfig, s.log)

	rec, ok := s.reg.Attach(identity, userToken, serverToken, sess)
	if !ok {
		// Raced a concurrent upgrade for the same record
		sess.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, wsrpc.ErrNotEstablished)
		return
	}

	s.sessions.Store(privateID, sess)

	go s.readLoop(sess, rec, identity)
}

// readLoop reads JSON-RPC frames from an established session until the
// connection ends, then runs the teardown path.
func (s *Server) readLoop(sess *Session, rec *registry.Record, identity registry.Identity) {
	defer func() {
		voluntary := sess.Context().Err() == context.Canceled

		if s.onDisconnect != nil {
			s.onDisconnect(sess, voluntary)
		}
		s.sessions.Delete(sess.PrivateID())
		s.reg.Remove(identity, rec)
		sess.Close(context.Background())
	}()

	sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(sess)
	}

	for {
		select {
		case <-sess.Context().Done():
			return
		default:
			_, data, err := sess.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn().Err(err).Str("remote_addr", sess.RemoteAddr()).Msg("unexpected close")
				}
				return
			}

			sess.conn.SetReadDeadline(time.Now().Add(readTimeout))

			if !sess.allowMessage() {
				s.log.Warn().Str("remote_addr", sess.RemoteAddr()).Msg("rate limit exceeded")
				sess.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
				return
			}

			req, rpcErr := jsonrpc.DecodeRequest(data)
			if rpcErr != nil {
				s.sendError(sess, nil, rpcErr)
				continue
			}

			s.handleInband(sess, req)
		}
	}
}

// handleInband dispatches one request arriving on an established socket.
// Handlers run in goroutines so slow methods never block the read loop.
func (s *Server) handleInband(sess *Session, req *jsonrpc.Request) {
	obs.RPCRequestsTotal.WithLabelValues(req.Method, "ws").Inc()

	if req.Method == wsrpc.MethodHandshake {
		go func() {
			result, rpcErr := s.hs.Handle(handshake.Request{
				RemoteAddr:   sess.RemoteAddr(),
				RemoteFamily: familyOf(sess.RemoteAddr()),
				OverHTTP:     false,
				UserToken:    stringParam(req.Params, "user_token"),
			})
			if rpcErr != nil {
				s.sendError(sess, req.ID, rpcErr)
				return
			}
			s.sendResult(sess, req.ID, result)
		}()
		return
	}

	if !s.authorized(sess.identity, req.Params) {
		s.sendError(sess, req.ID, wsrpc.NotEstablishedError())
		return
	}

	go func() {
		resp := s.invoke(sess, req)
		if data, err := json.Marshal(resp); err == nil {
			sess.send(sess.Context(), data)
		}
	}()
}

// authorized checks the token pair carried in params against the records
// for the caller's identity.
func (s *Server) authorized(id registry.Identity, params map[string]interface{}) bool {
	return s.validator.IsEstablished(id, stringParam(params, "user_token"), stringParam(params, "server_token"))
}

// invoke looks up and runs a registered handler, mapping its outcome to a
// response. A handler returning *wsrpc.Error controls the surfaced code;
// any other error becomes an internal error.
func (s *Server) invoke(sess wsrpc.Session, req *jsonrpc.Request) *jsonrpc.Response {
	value, ok := s.handlers.Load(req.Method)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, &wsrpc.Error{Code: wsrpc.CodeMethodNotFound, Message: wsrpc.ErrMethodNotFound})
	}

	handler := value.(wsrpc.Handler)
	result, err := handler(sess, req.Params)
	if err != nil {
		var rpcErr *wsrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &wsrpc.Error{Code: wsrpc.CodeInternalError, Message: err.Error()}
		}
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	return jsonrpc.NewResponse(req.ID, result)
}

// sendResult serializes a success envelope onto the session.
func (s *Server) sendResult(sess *Session, id, result interface{}) {
	data, err := json.Marshal(jsonrpc.NewResponse(id, result))
	if err != nil {
		s.log.Error().Err(err).Msg("encode result")
		return
	}
	if err := sess.send(sess.Context(), data); err != nil {
		s.log.Debug().Err(err).Msg("send result")
	}
}

// sendError serializes an error envelope onto the session.
func (s *Server) sendError(sess *Session, id interface{}, rpcErr *wsrpc.Error) {
	data, err := json.Marshal(jsonrpc.NewErrorResponse(id, rpcErr))
	if err != nil {
		s.log.Error().Err(err).Msg("encode error response")
		return
	}
	if err := sess.send(sess.Context(), data); err != nil {
		s.log.Debug().Err(err).Msg("send error response")
	}
}

// Broadcast sends a notification to every connected session.
func (s *Server) Broadcast(ctx context.Context, method string, params interface{}) error {
	s.sessions.Range(func(key, value interface{}) bool {
		if sess, ok := value.(*Session); ok {
			sess.Notify(ctx, method, params)
		}
		return true
	})
	return nil
}

// SendTo sends a notification to the session addressed by its private
// identifier.
func (s *Server) SendTo(ctx context.Context, privateID, method string, params interface{}) error {
	value, ok := s.sessions.Load(privateID)
	if !ok {
		return fmt.Errorf("%s: %s", wsrpc.ErrSessionNotFound, privateID)
	}
	return value.(*Session).Notify(ctx, method, params)
}

// writeResponse serializes a JSON-RPC envelope onto an HTTP response.
func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
	}
}

// familyOf reports the protocol family of a peer address.
func familyOf(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IPv6"
	}
	return "IPv4"
}

// stringParam extracts a string field from request params, empty when
// absent or of the wrong kind.
func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}
