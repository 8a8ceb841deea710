package upload

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
)

const sessionCookieName = "aadhaar_session"

// DefaultMaxUploadBytes bounds a single image upload request
const DefaultMaxUploadBytes = int64(50 << 20)

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Options configures a Server
type Options struct {
	BasicAuth      BasicAuth
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server handles HTTP requests for the upload page
type Server struct {
	controller     *Controller
	basicAuth      BasicAuth
	maxUploadBytes int64
	mux            *http.ServeMux
	handler        http.Handler
}

// NewServer creates a new Server with default mux
func NewServer(controller *Controller, opts Options) *Server {
	return NewServerWithMux(controller, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(controller *Controller, opts Options, mux *http.ServeMux) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		controller:     controller,
		basicAuth:      opts.BasicAuth,
		maxUploadBytes: opts.MaxUploadBytes,
		mux:            mux,
	}
	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept"},
		MaxAge:         3600,
	})
	s.handler = c.Handler(mux)
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Aadhaar Reader"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// sessionHandlerFunc is a handler bound to the caller's session
type sessionHandlerFunc func(w http.ResponseWriter, r *http.Request, sessionID string)

// withSession resolves the session cookie, issuing a new one when it is
// missing or malformed
func (s *Server) withSession(next sessionHandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				id = cookie.Value
			}
		}
		if id == "" {
			id = s.controller.NewSessionID()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   r.TLS != nil,
			})
		}
		next(w, r, id)
	})
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))

	s.mux.HandleFunc("POST /images/{side}/clear", s.withSession(s.handleClearImage))
	s.mux.HandleFunc("POST /images/{side}", s.withSession(s.handleUploadImage))
	s.mux.HandleFunc("POST /submit", s.withSession(s.handleSubmit))
	s.mux.HandleFunc("POST /reset", s.withSession(s.handleReset))
	s.mux.HandleFunc("GET /download", s.withSession(s.handleDownload))
	s.mux.HandleFunc("GET /api/session", s.withSession(s.handleSession))

	s.mux.HandleFunc("GET /{$}", s.withSession(s.handleIndex))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdownErr
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
