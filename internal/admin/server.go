// Package admin serves the operations HTTP surface: health, Prometheus
// metrics, pprof and a small API to schedule events and enqueue
// notifications.
//
// Security:
//   - Bind to localhost (default) or set Token.
//   - A non-loopback address without a token is refused unless AllowInsecure.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"greetd/internal/runtime/supervisor"
	logx "greetd/pkg/logx"
	"greetd/pkg/validate"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Deps are the components the API drives. Nil members disable their routes.
type Deps struct {
	Events   Events
	Queue    Queue
	Tasks    Tasks
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer

	// Validate checks request bodies; nil means validate.Default.
	Validate *validator.Validate

	// Supervisor reports the background goroutines.
	Supervisor func() supervisor.Snapshot
}

type Server struct {
	mu       sync.Mutex
	cfg      Config
	deps     Deps
	log      logx.Logger
	validate *validator.Validate

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	v := deps.Validate
	if v == nil {
		v = validate.Default()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "admin")), validate: v}
}

// Handler builds the router for cfg.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if s.deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(s.accessLog)
			s.routes(r)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start listens in the background. It returns an error when the listener
// cannot be opened or the address is unsafe.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return errors.New("admin: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("admin running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("admin stopped")
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
