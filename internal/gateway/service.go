// Package gateway hosts the demo application server: a chi router
// wired with the encrypted_only gate, a single WebSocket upgrade
// endpoint at /__ra__, and per-connection tunnel control channels. It
// is a runnable reference server around the core tunnel library,
// grounded on internal/apiservice/service.go's chi+cors wiring.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/ra-tunnel/internal/gateway/middleware"
	"github.com/r3e-network/ra-tunnel/internal/gateway/outerws"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/control"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/gate"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/httpdispatch"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/wsmux"
)

// controlPath is the single WebSocket upgrade endpoint this server
// recognizes; any other upgrade attempt is refused.
const controlPath = "/__ra__"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the demo hosting server.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpServer *http.Server
	log        *logrus.Logger

	keys       *kxcrypto.KeyPair
	quote      []byte
	verifyCfg  verify.Config
	appHandler http.Handler

	httpMetrics     *middleware.HTTPMetrics
	metricsRegistry *prometheus.Registry
	upgradeIPRL     *middleware.IPRateLimiter

	mu       sync.Mutex
	sessions map[*control.ServerChannel]*session
}

type session struct {
	channel  *control.ServerChannel
	conn     *outerws.Conn
	registry *wsmux.Registry
	pending  *httpdispatch.PendingRequests
	cancel   context.CancelFunc
}

// Dependencies lists the collaborators this server needs injected.
type Dependencies struct {
	KeyPair    *kxcrypto.KeyPair // server's X25519 identity for the handshake
	Quote      []byte            // this server's own attestation quote, sent in server_kx
	VerifyCfg  verify.Config     // used if this server also verifies inbound quotes
	AppHandler http.Handler      // application handler gated by encrypted_only
	Logger     *logrus.Logger
}

// NewServer builds a gateway server from config and dependencies,
// applying the same "merge then default" validation apiservice.NewService
// uses.
func NewServer(cfg *Config, deps *Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway: config cannot be nil")
	}
	if deps == nil {
		return nil, fmt.Errorf("gateway: dependencies cannot be nil")
	}
	if deps.KeyPair == nil {
		return nil, fmt.Errorf("gateway: key pair cannot be nil")
	}
	if deps.AppHandler == nil {
		deps.AppHandler = http.NotFoundHandler()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	resolvedCfg := cfg.withDefaults()
	svc := &Server{
		config:          resolvedCfg,
		log:             deps.Logger,
		keys:            deps.KeyPair,
		quote:           deps.Quote,
		verifyCfg:       deps.VerifyCfg,
		appHandler:      deps.AppHandler,
		httpMetrics:     middleware.NewHTTPMetrics(resolvedCfg.MetricsNamespace),
		metricsRegistry: prometheus.NewRegistry(),
		sessions:        make(map[*control.ServerChannel]*session),
	}
	svc.httpMetrics.Register(svc.metricsRegistry)
	if svc.config.ControlRateLimitPerMinute > 0 {
		svc.upgradeIPRL = middleware.NewIPRateLimiter(svc.config.ControlRateLimitPerMinute)
	}
	svc.initRouter()

	svc.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", svc.config.Host, svc.config.Port),
		Handler:      svc.router,
		ReadTimeout:  svc.config.ReadTimeout,
		WriteTimeout: svc.config.WriteTimeout,
		IdleTimeout:  svc.config.IdleTimeout,
	}
	return svc, nil
}

func (s *Server) initRouter() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.RequestLogger(s.log))
	r.Use(s.httpMetrics.Middleware())

	if s.config.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))

	r.HandleFunc(controlPath, s.handleUpgrade)

	// Any path other than controlPath never performs a WebSocket
	// upgrade; it falls through to the gated application handler.
	r.NotFound(gate.EncryptedOnly(s.appHandler).ServeHTTP)
	r.Handle("/*", gate.EncryptedOnly(s.appHandler))

	s.router = r
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != controlPath {
		http.Error(w, "", http.StatusForbidden)
		return
	}

	if s.upgradeIPRL != nil && !s.upgradeIPRL.Allow(middleware.RemoteIP(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("gateway: websocket upgrade failed")
		return
	}

	conn := outerws.New(ws)
	ctx, cancel := context.WithCancel(context.Background())

	channel, err := control.NewServerChannel(conn, s.keys, s.quote, control.Config{
		HeartbeatInterval: s.config.HeartbeatInterval,
		HeartbeatTimeout:  s.config.HeartbeatTimeout,
	})
	if err != nil {
		s.log.WithError(err).Warn("gateway: failed to start control channel")
		cancel()
		_ = conn.Close(1011, "handshake failed")
		return
	}

	sess := &session{
		channel:  channel,
		conn:     conn,
		registry: wsmux.NewRegistry(),
		pending:  httpdispatch.NewPendingRequests(s.config.RequestTimeout),
		cancel:   cancel,
	}

	s.mu.Lock()
	s.sessions[channel] = sess
	s.mu.Unlock()

	go channel.Heartbeat(ctx, conn.Ping)
	s.serveSession(ctx, sess)
}

func (s *Server) serveSession(ctx context.Context, sess *session) {
	defer s.teardown(sess)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.channel.HandleFrame(raw)

		frameType, err := envelope.PeekType(raw)
		if err != nil || frameType != envelope.TypeEnc {
			continue
		}

		var enc envelope.Enc
		if err := envelope.Unmarshal(raw, &enc); err != nil {
			s.log.WithError(err).Warn("gateway: malformed enc frame")
			continue
		}
		plaintext, err := sess.channel.DecryptInner(enc)
		if err != nil {
			s.log.WithError(err).Warn("gateway: failed to decrypt inner frame")
			continue
		}
		s.dispatchInner(sess, plaintext)
	}
}

func (s *Server) dispatchInner(sess *session, plaintext []byte) {
	innerType, err := envelope.PeekType(plaintext)
	if err != nil {
		return
	}

	switch innerType {
	case envelope.TypeHTTPRequest:
		var req envelope.HTTPRequest
		if err := envelope.Unmarshal(plaintext, &req); err != nil {
			return
		}
		resp := httpdispatch.Dispatch(req, s.appHandler)
		data, err := envelope.Marshal(resp)
		if err != nil {
			return
		}
		_ = sess.channel.SendEncrypted(data)

	case envelope.TypeWSConnect:
		var connect envelope.WSConnect
		if err := envelope.Unmarshal(plaintext, &connect); err != nil {
			return
		}
		if _, err := sess.registry.Connect(connect, sess.channel); err != nil {
			s.log.WithError(err).Warn("gateway: failed to register ws stream")
		}

	case envelope.TypeWSClose:
		var closeFrame envelope.WSClose
		if err := envelope.Unmarshal(plaintext, &closeFrame); err != nil {
			return
		}
		if ep, ok := sess.registry.Get(closeFrame.ConnectionID); ok {
			code := 1000
			if closeFrame.Code != nil {
				code = int(*closeFrame.Code)
			}
			reason := ""
			if closeFrame.Reason != nil {
				reason = *closeFrame.Reason
			}
			_ = ep.Close(code, reason)
			sess.registry.Remove(closeFrame.ConnectionID)
		}

	case envelope.TypeWSMessage:
		var msg envelope.WSMessage
		if err := envelope.Unmarshal(plaintext, &msg); err != nil {
			return
		}
		if ep, ok := sess.registry.Get(msg.ConnectionID); ok {
			ep.DeliverMessage(msg.Data, msg.DataType)
		}

	case envelope.TypeHTTPResponse:
		var resp envelope.HTTPResponse
		if err := envelope.Unmarshal(plaintext, &resp); err != nil {
			return
		}
		sess.pending.Resolve(resp)
	}
}

func (s *Server) teardown(sess *session) {
	sess.cancel()
	sess.registry.CloseAll()
	sess.pending.RejectAll()
	sess.channel.Close()

	s.mu.Lock()
	delete(s.sessions, sess.channel)
	s.mu.Unlock()
}

// Start runs the HTTP server; blocks until it stops.
func (s *Server) Start() error {
	s.log.Infof("gateway: listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down, tearing down every session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.teardown(sess)
	}
	return s.httpServer.Shutdown(ctx)
}
