package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cutline/api/internal/auth"
	"cutline/api/internal/authpw"
	"cutline/api/internal/export"
	"cutline/api/internal/history"
	"cutline/api/internal/stage"
	"cutline/api/internal/store"
)

const maxMultipartMemory = 32 << 20

type HTTPServer struct {
	service    *Service
	log        zerolog.Logger
	corsOrigin string
	rpc        map[string]procedure
}

func NewHTTPServer(service *Service, logger zerolog.Logger, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, log: logger, corsOrigin: corsOrigin}
	s.rpc = s.procedures()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(s.cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, notFound("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, domainError(http.StatusMethodNotAllowed, codeMethodNotSupported, "Method not allowed", nil))
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/auth/sign-up", s.handleSignUp)
	r.Post("/api/auth/sign-in", s.handleSignIn)
	r.Post("/api/session/refresh", s.handleRefresh)
	r.Post("/api/session/logout", s.handleLogout)
	r.Get("/api/session", s.handleSession)

	r.Post("/api/projects/{projectID}/files", s.handleUpload)
	r.Get("/api/files/{fileID}/download", s.handleDownload)
	r.Get("/api/projects/{projectID}/export", s.handleExport)

	r.HandleFunc("/rpc/{procedure}", s.handleRPC)
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.Logout(r.Context(), session, body.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
	})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	limit := s.service.cfg.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		s.writeError(w, r, domainError(http.StatusBadRequest, codeInvalidBody, "expected a multipart form with a file field", nil))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, domainError(http.StatusBadRequest, codeInvalidBody, "missing file field", nil))
		return
	}
	defer file.Close()

	name := header.Filename
	if override := strings.TrimSpace(r.FormValue("name")); override != "" {
		name = override
	}
	result, err := s.service.UploadFile(r.Context(), session, UploadInput{
		ProjectID:   chi.URLParam(r, "projectID"),
		Name:        name,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"result": result})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	url, err := s.service.FileDownloadURL(r.Context(), session, chi.URLParam(r, "fileID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	result, err := s.service.ExportProject(r.Context(), session, chi.URLParam(r, "projectID"), r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, r, auth.ErrInvalidToken)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", chimw.GetReqID(r.Context()))

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as {"code","error","details"}. Unexpected errors are
// logged with their cause and reported generically.
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg("request failed")
	}
	writeJSON(w, status, map[string]any{
		"code":    code,
		"error":   message,
		"details": details,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return domainError(http.StatusBadRequest, codeInvalidBody, "invalid JSON body", nil)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var contentErr *stage.ValidationError
	if errors.As(err, &contentErr) {
		return http.StatusUnprocessableEntity, codeValidation, "content does not match the sub-stage kind",
			map[string]any{"kind": contentErr.Kind, "problems": contentErr.Problems}
	}

	switch {
	case errors.Is(err, stage.ErrWrongKind):
		return http.StatusUnprocessableEntity, codeValidation, err.Error(), nil
	case errors.Is(err, stage.ErrItemNotFound):
		return http.StatusNotFound, codeNotFound, "Item not found", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, codeConflict, "Version conflict", nil
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, history.ErrRevisionNotFound),
		errors.Is(err, history.ErrInvalidID):
		return http.StatusNotFound, codeNotFound, "Not found", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, codeExportUnavailable, "Export renderer is not available", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, codeValidation, err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, codeUnauthorized, "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, codeConflict, err.Error(), nil
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail), errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, codeValidation, err.Error(), nil
	}
	return http.StatusInternalServerError, codeInternal, "Internal server error", nil
}
