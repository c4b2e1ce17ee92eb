package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/approval"
	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/generator"
	"github.com/TobiSchelling/autopress/internal/pipeline"
	"github.com/TobiSchelling/autopress/internal/scheduler"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

const maxBodyBytes = 64 << 10

// Approver looks up and consumes one-click approval tokens.
type Approver interface {
	Pending(ctx context.Context, postID, token string) (*database.Post, error)
	Consume(ctx context.Context, postID, token string) (*database.Post, error)
}

// Automation is the scheduler surface exposed over HTTP.
type Automation interface {
	Config(ctx context.Context) (database.AutomationConfig, error)
	UpdateConfig(ctx context.Context, upd scheduler.ConfigUpdate) (*database.AutomationConfig, error)
	Trigger(ctx context.Context) (*pipeline.Result, error)
	NextRun() (time.Time, bool)
}

// Server serves the approval link and the automation API.
type Server struct {
	approver   Approver
	automation Automation
	pages      map[string]*template.Template
	mux        *http.ServeMux
	logger     *zap.Logger
}

// New creates a new Server.
func New(approver Approver, automation Automation, logger *zap.Logger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so "title" and "content" don't collide.
	pageNames := []string{"confirm.html", "approved.html", "approve_error.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		approver:   approver,
		automation: automation,
		pages:      pages,
		mux:        http.NewServeMux(),
		logger:     logger,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/approve", s.handleConfirm)
	s.mux.HandleFunc("POST /api/approve", s.handleApprove)
	s.mux.HandleFunc("GET /api/automation/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/automation/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/automation/trigger", s.handleTrigger)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// handleConfirm shows the post behind an approval link. It never changes
// state, so link prefetchers cannot publish.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	postID, token := q.Get("postId"), q.Get("token")
	if postID == "" || token == "" {
		s.renderIncomplete(w)
		return
	}

	post, err := s.approver.Pending(r.Context(), postID, token)
	if err != nil {
		s.renderApproveError(w, postID, err)
		return
	}
	s.renderStatus(w, http.StatusOK, "confirm.html", map[string]any{
		"Post":   post,
		"PostID": postID,
		"Token":  token,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	postID, token := r.PostFormValue("postId"), r.PostFormValue("token")
	if postID == "" || token == "" {
		s.renderIncomplete(w)
		return
	}

	post, err := s.approver.Consume(r.Context(), postID, token)
	if err != nil {
		s.renderApproveError(w, postID, err)
		return
	}
	s.renderStatus(w, http.StatusOK, "approved.html", map[string]any{"Post": post})
}

func (s *Server) renderIncomplete(w http.ResponseWriter) {
	s.renderStatus(w, http.StatusBadRequest, "approve_error.html", map[string]any{
		"Message": "The approval link is incomplete.",
	})
}

func (s *Server) renderApproveError(w http.ResponseWriter, postID string, err error) {
	if errors.Is(err, approval.ErrInvalidToken) {
		s.renderStatus(w, http.StatusBadRequest, "approve_error.html", map[string]any{
			"Message": "This approval link is invalid, expired or has already been used.",
		})
		return
	}
	s.logger.Error("approving post", zap.String("post_id", postID), zap.Error(err))
	s.renderStatus(w, http.StatusInternalServerError, "approve_error.html", map[string]any{
		"Message": "The post could not be published. Please try again later.",
	})
}

type configResponse struct {
	database.AutomationConfig
	NextRun *time.Time `json:"nextRun,omitempty"`
}

func (s *Server) configResponse(cfg database.AutomationConfig) configResponse {
	resp := configResponse{AutomationConfig: cfg}
	if next, ok := s.automation.NextRun(); ok {
		resp.NextRun = &next
	}
	return resp
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.automation.Config(r.Context())
	if err != nil {
		s.logger.Error("loading automation config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load automation config")
		return
	}
	writeJSON(w, http.StatusOK, s.configResponse(cfg))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd scheduler.ConfigUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cfg, err := s.automation.UpdateConfig(r.Context(), upd)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "invalid_config", verr.Error())
			return
		}
		s.logger.Error("updating automation config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not save automation config")
		return
	}
	writeJSON(w, http.StatusOK, s.configResponse(*cfg))
}

type triggerResponse struct {
	PostID   string `json:"postId"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Category string `json:"category"`
	Notified bool   `json:"notified"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	res, err := s.automation.Trigger(r.Context())
	if err != nil {
		status, code, message := triggerStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("manual generation cycle failed", zap.Error(err))
		} else {
			s.logger.Warn("manual generation cycle rejected", zap.String("code", code), zap.Error(err))
		}
		writeError(w, status, code, message)
		return
	}

	resp := triggerResponse{Category: res.Category, Notified: res.Notified}
	if res.Post != nil {
		resp.PostID = res.Post.ID
		resp.Title = res.Post.Title
		resp.Slug = res.Post.Slug
	}
	writeJSON(w, http.StatusCreated, resp)
}

// triggerStatus maps a cycle error to an HTTP status, an error code and a
// fixed message. Backend details stay in the log.
func triggerStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, scheduler.ErrAutomationDisabled):
		return http.StatusConflict, "automation_disabled", "automation is disabled"
	case errors.Is(err, generator.ErrQuotaExceeded):
		return http.StatusTooManyRequests, generator.KindQuotaExceeded.String(),
			"the generation backend quota is exhausted; try again later"
	case errors.Is(err, generator.ErrAuthFailure):
		return http.StatusBadGateway, generator.KindAuthFailure.String(),
			"the generation backend rejected the credentials"
	case errors.Is(err, generator.ErrMalformedResponse):
		return http.StatusBadGateway, generator.KindMalformedResponse.String(),
			"the generation backend returned an unusable response"
	default:
		return http.StatusInternalServerError, "internal_error", "the generation cycle failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) renderStatus(w http.ResponseWriter, status int, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.logger.Error("rendering template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text)) //nolint: gosec
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", "http://"+addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	}
}
