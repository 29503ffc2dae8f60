// Package httpapi implements capability C13: the three-endpoint
// Subscription API consumed by the static front-end, per spec.md §6.
// Routing follows the teacher's Go 1.22+ ServeMux method-pattern style
// in internal/api/server.go (mux.HandleFunc("METHOD /path", handler)),
// and the withLogging middleware-wrapping shape is lifted verbatim from
// the same file. The HTML success/error pages reuse the teacher's
// internal/web/templates.go embed-and-parse approach, scoped down to
// the handful of pages this package owns.
package httpapi

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/subscriber"
)

//go:embed templates/*.html
var templateFiles embed.FS

// SubscriberController is the narrow seam over subscriber.Controller
// that this package depends on, mirroring the interface-extraction
// pattern established for internal/orchestrator and
// internal/distribution's Mailer: tests substitute a fake instead of
// driving a real kvstore.Store.
type SubscriberController interface {
	Subscribe(ctx context.Context, email string) (subscriber.Subscriber, error)
	Verify(ctx context.Context, token string) (subscriber.Subscriber, error)
	Unsubscribe(ctx context.Context, token string) (subscriber.Subscriber, error)
}

// Server hosts the Subscription API.
type Server struct {
	address    string
	sub        SubscriberController
	origins    []string // permissive CORS allowlist; "*" allows any origin
	logger     *slog.Logger
	templates  *template.Template
	httpServer *http.Server
}

// NewServer constructs a Server. origins is the configured front-end
// origin allowlist for CORS (spec.md §6); a single "*" entry allows any
// origin.
func NewServer(address string, sub SubscriberController, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl := template.Must(template.ParseFS(templateFiles, "templates/*.html"))
	return &Server{address: address, sub: sub, origins: origins, logger: logger, templates: tmpl}
}

// Start builds the route table and begins serving. It blocks until the
// server stops (ListenAndServe's own contract); callers typically run
// it in a goroutine and call Shutdown on ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /verify", s.handleVerify)
	mux.HandleFunc("GET /unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.address,
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("httpapi: listening", "address", s.address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// withCORS sets permissive CORS headers for the configured origin
// allowlist, per spec.md §6. A "*" entry in s.origins reflects any
// request origin; otherwise only an exact match is echoed back.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

type subscribeRequest struct {
	Email string `json:"email"`
}

type subscribeResponse struct {
	Success      bool   `json:"success"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleSubscribe implements POST /subscribe per spec.md §6's response
// table: 201 on a new or renewed pending subscription, 200 idempotent
// on an already-active email, 400 on a malformed request or invalid
// email, 500 on a backend failure.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"}, s.logger)
		return
	}

	sub, err := s.sub.Subscribe(r.Context(), req.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, subscribeResponse{Success: true, SubscriberID: sub.SubscriberID}, s.logger)
	case errors.Is(err, subscriber.ErrAlreadyActive):
		writeJSON(w, http.StatusOK, subscribeResponse{Success: true, Message: "already subscribed"}, s.logger)
	default:
		s.classifySubscribeError(w, err)
	}
}

func (s *Server) classifySubscribeError(w http.ResponseWriter, err error) {
	if errkind.Is(err, errkind.ConfigurationError) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid email address"}, s.logger)
		return
	}
	s.logger.Error("httpapi: subscribe failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"}, s.logger)
}

type verifyPageData struct {
	Email string
}

// handleVerify implements GET /verify?token=..., rendering the HTML
// success or error page per spec.md §6.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sub, err := s.sub.Verify(r.Context(), token)
	if err != nil {
		s.renderPage(w, http.StatusBadRequest, "verify_error.html", nil)
		return
	}
	s.renderPage(w, http.StatusOK, "verify_success.html", verifyPageData{Email: sub.Email})
}

// handleUnsubscribe implements GET /unsubscribe?token=..., rendering
// the HTML confirmation or error page per spec.md §6.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sub, err := s.sub.Unsubscribe(r.Context(), token)
	if err != nil {
		s.renderPage(w, http.StatusBadRequest, "unsubscribe_error.html", nil)
		return
	}
	s.renderPage(w, http.StatusOK, "unsubscribe_success.html", verifyPageData{Email: sub.Email})
}

// renderPage executes a named template into a buffer first so a
// template execution failure never leaks a partial page to the client,
// matching the teacher's internal/web.WebServer.render discipline.
func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("httpapi: render template failed", "template", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// writeJSON marshals v and writes it with status, logging (but not
// failing the request over) any encode error, matching the teacher's
// internal/api.writeJSON helper.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("httpapi: encode response failed", "error", err)
	}
}
