// Package server implements the chat server the harness talks to: Socket.IO
// sessions over websocket, a login endpoint and cross-node fan-out.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/omochice/event-socket-chat/internal/chat"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LoginPath is where the login endpoint is mounted in token mode.
const LoginPath = "/subacc/loginAccSub"

// Server represents the chat server
type Server struct {
	cfg     config.Server
	log     *zap.Logger
	hub     *chat.Hub
	adapter Adapter
	node    string
	router  *gin.Engine
	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closed   bool
	ready    chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Server instance. A redis adapter is used when
// cfg.Redis.Addr is set, otherwise broadcasts stay in process.
func New(cfg config.Server, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultPath
	}
	cfg.Path = "/" + strings.Trim(cfg.Path, "/")

	s := &Server{
		cfg:      cfg,
		log:      log,
		hub:      chat.NewHub(),
		node:     uuid.NewString(),
		sessions: make(map[*session]struct{}),
		ready:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		adapter, err := NewRedisAdapter(ctx, s.hub, s.node, cfg.Redis, log)
		cancel()
		if err != nil {
			s.cancel()
			return nil, err
		}
		s.adapter = adapter
		log.Info("using redis adapter", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.Prefix))
	} else {
		s.adapter = NewLocalAdapter(s.hub)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET(s.cfg.Path, s.handleWS)
	r.GET(s.cfg.Path+"/", s.handleWS)
	if s.tokenMode() {
		r.POST(LoginPath, s.handleLogin)
	}
	s.router = r
	s.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	s.log.Info("server started", zap.String("addr", listener.Addr().String()), zap.String("path", s.cfg.Path))

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server stopped")
	}
	return nil
}

// Ready is closed once Start is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes every session and shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}

	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()

	if err := s.adapter.Close(); err != nil {
		s.log.Warn("failed to close adapter", zap.Error(err))
	}
	s.log.Info("server stopped")
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected sockets on this node.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// track adds sess to the set Stop closes. It reports false once stopping.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("remote", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
