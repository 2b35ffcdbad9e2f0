package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/callscript/internal/api/middleware"
	"github.com/flowpbx/callscript/internal/audio"
	"github.com/flowpbx/callscript/internal/config"
	"github.com/flowpbx/callscript/internal/conversation"
	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/script"
	"github.com/flowpbx/callscript/internal/voice"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conversation handles the provider webhooks of a call.
type Conversation interface {
	Start(ctx context.Context, in conversation.StartInput) conversation.Result
	Answer(ctx context.Context, in conversation.AnswerInput) conversation.Result
}

// RejectCounter counts webhook requests refused before reaching a handler.
type RejectCounter interface {
	WebhookRejected(reason string)
}

// Deps are the collaborators of a Server. Gatherer and Rejects may be nil.
type Deps struct {
	Config       *config.Config
	Store        *database.Store
	Scripts      *script.Registry
	Conversation Conversation
	Audio        *audio.Library
	Gatherer     prometheus.Gatherer
	Rejects      RejectCounter
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	cfg          *config.Config
	store        *database.Store
	scripts      *script.Registry
	conversation Conversation
	audio        *audio.Library
	gatherer     prometheus.Gatherer
	rejects      RejectCounter

	apiLimiter     *middleware.IPRateLimiter
	webhookLimiter *middleware.IPRateLimiter
	startTime      time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          d.Config,
		store:        d.Store,
		scripts:      d.Scripts,
		conversation: d.Conversation,
		audio:        d.Audio,
		gatherer:     d.Gatherer,
		rejects:      d.Rejects,
		startTime:    time.Now(),
	}

	webhookLimits := middleware.WebhookRateLimitConfig(d.Config.WebhookRate, d.Config.WebhookBurst)
	webhookLimits.OnReject = s.rejected("rate_limit")
	webhookLimits.Reject = s.handleWebhookThrottled
	s.webhookLimiter = middleware.NewIPRateLimiter(webhookLimits)
	s.apiLimiter = middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background work of the rate limiters.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.webhookLimiter.Stop()
}

func (s *Server) rejected(reason string) func() {
	return func() {
		if s.rejects != nil {
			s.rejects.WebhookRejected(reason)
		}
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.SecurityHeaders(strings.HasPrefix(s.cfg.BaseURL, "https://")))

	// Provider webhooks. Every response is a TwiML document, even on panic.
	r.Route("/voice", func(r chi.Router) {
		r.Use(middleware.TwiMLRecoverer(voice.HangupDocument()))
		r.Use(middleware.NoStore)
		r.Use(middleware.RateLimit(s.webhookLimiter))
		r.Use(middleware.ValidateTwilio(s.cfg.TwilioAuthToken, s.cfg.BaseURL, s.rejected("signature")))

		r.Post("/start", s.handleVoiceStart)
		r.Get("/start", s.handleVoiceStart)
		r.Post("/answer", s.handleVoiceAnswer)
		r.Get("/answer", s.handleVoiceAnswer)
	})

	// Admin API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/reload", s.handleReloadScripts)
			r.Route("/{slug}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handlePublishScript)
				r.Delete("/", s.handleDeleteScript)
				r.Post("/audio/delete", s.handleDeleteAudio)
			})
		})

		r.Get("/calls/{callID}", s.handleGetCall)
		r.Get("/system/status", s.handleSystemStatus)
	})

	if s.gatherer != nil {
		r.With(middleware.Recoverer).Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Pre-rendered prompt audio.
	r.Get(audio.StaticPrefix+"/*", s.handleStatic(http.StripPrefix(audio.StaticPrefix, http.FileServer(http.Dir(s.audio.Dir())))))
}

// handleStatic serves prompt recordings only; directory listings and other
// files in the audio directory are not exposed.
func (s *Server) handleStatic(files http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, audio.Ext) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		files.ServeHTTP(w, r)
	}
}

// handleHealth reports whether the database is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store.Ping != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
