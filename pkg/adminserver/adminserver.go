// Package adminserver provides an HTTP server for administering SettingsGuard.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/backup"
	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/cloud/oauth"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/scheduler"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
	"github.com/supporttools/SettingsGuard/pkg/version"
)

// maxUploadSize bounds CSV and log payloads posted for export
const maxUploadSize = 32 << 20

// Authorizer is the interactive part of the OAuth flow
type Authorizer interface {
	State() oauth.State
	RunInteractive(ctx context.Context, open func(url string) error) error
}

// Server represents the admin HTTP server
type Server struct {
	httpServer *http.Server
	cfg        *config.AppConfig
	manager    *backup.Manager
	scheduler  *scheduler.Scheduler
	authorizer Authorizer
	sessions   *sessionStore
	logger     *logrus.Logger

	taskLock      sync.Mutex
	isTaskRunning bool
	isAuthorizing bool
}

// NewServer creates a new admin server instance. sched and authorizer may be nil.
func NewServer(cfg *config.AppConfig, manager *backup.Manager, sched *scheduler.Scheduler, authorizer Authorizer, logger *logrus.Logger) *Server {
	return &Server{
		cfg:        cfg,
		manager:    manager,
		scheduler:  sched,
		authorizer: authorizer,
		sessions:   newSessionStore(10 * time.Minute),
		logger:     logger,
	}
}

// Start starts the admin HTTP server
func (s *Server) Start() *http.Server {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.cfg.Metrics.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server running on port %s", s.cfg.Metrics.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	return s.httpServer
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.logRequestMiddleware(mux)
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Standard endpoints
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/version", s.versionHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	mux.HandleFunc("/api/exports", s.listExportsHandler)

	// Export operations
	mux.HandleFunc("/api/export", s.exportHandler)
	mux.HandleFunc("/api/export/file", s.exportFileHandler)
	mux.HandleFunc("/api/retention/run", s.runRetentionHandler)

	// Import operations
	mux.HandleFunc("/api/import/candidates", s.candidatesHandler)
	mux.HandleFunc("/api/import/decrypt", s.decryptHandler)
	mux.HandleFunc("/api/import/apply", s.applyHandler)

	// Cloud provider
	mux.HandleFunc("/api/cloud/status", s.cloudStatusHandler)
	mux.HandleFunc("/api/cloud/authorize", s.authorizeHandler)
	mux.HandleFunc("/api/cloud/revoke", s.revokeHandler)
	mux.HandleFunc("/api/cloud/count", s.countHandler)
	mux.HandleFunc("/api/cloud/folders", s.foldersHandler)
	mux.HandleFunc("/api/cloud/folder", s.selectFolderHandler)
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Error encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	s.writeJSON(w, status, errorResponse{Error: code, Message: backup.UserMessage(err)})
}

// statusFor maps domain errors to an HTTP status and a stable error code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cloud.ErrAuthRequired):
		return http.StatusUnauthorized, "auth_required"
	case errors.Is(err, backup.ErrConfiguration):
		return http.StatusBadRequest, "configuration"
	case errors.Is(err, backup.ErrPasswordRequired):
		return http.StatusBadRequest, "password_required"
	case errors.Is(err, backup.ErrUnknownKind), errors.Is(err, backup.ErrUnknownSource):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, local.ErrFileNotFound), errors.Is(err, cloud.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, backup.ErrImportNotPossible), errors.Is(err, backup.ErrImportNotClean):
		return http.StatusUnprocessableEntity, "import_rejected"
	case errors.Is(err, cloud.ErrTransient):
		return http.StatusServiceUnavailable, "connection_failed"
	case errors.Is(err, cloud.ErrVerificationFailed), errors.Is(err, cloud.ErrPermanent):
		return http.StatusBadGateway, "cloud_error"
	}
	return http.StatusInternalServerError, "internal"
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

// statsHandler returns statistics about exports
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	history := s.manager.History()
	if history == nil {
		http.Error(w, "Export history not available", http.StatusServiceUnavailable)
		return
	}

	stats := history.GetStats()
	if s.scheduler != nil {
		next := map[string]time.Time{}
		for _, job := range []string{scheduler.JobExport, scheduler.JobRetention} {
			if t, err := s.scheduler.GetNextRunTime(job); err == nil {
				next[job] = t
			}
		}
		stats["nextRuns"] = next
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// listExportsHandler returns the export history with optional filtering
func (s *Server) listExportsHandler(w http.ResponseWriter, r *http.Request) {
	history := s.manager.History()
	if history == nil {
		http.Error(w, "Export history not available", http.StatusServiceUnavailable)
		return
	}

	kind := r.URL.Query().Get("kind")
	successfulOnly := r.URL.Query().Get("successfulOnly") == "true"
	records := history.GetRecordsFiltered(kind, successfulOnly)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"exports": records,
		"count":   len(records),
	})
}

// exportResponse adds the derived flags and user messages to a result
type exportResponse struct {
	backup.ExportResult
	Partial      bool   `json:"partial"`
	Failed       bool   `json:"failed"`
	LocalMessage string `json:"localMessage,omitempty"`
	CloudMessage string `json:"cloudMessage,omitempty"`
}

func newExportResponse(result backup.ExportResult) exportResponse {
	return exportResponse{
		ExportResult: result,
		Partial:      result.Partial(),
		Failed:       result.Failed(),
		LocalMessage: backup.UserMessage(result.Local.Err),
		CloudMessage: backup.UserMessage(result.Cloud.Err),
	}
}

// beginTask claims the task lock; only one export or retention runs at a time
func (s *Server) beginTask() bool {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()

	if s.isTaskRunning {
		return false
	}
	s.isTaskRunning = true
	return true
}

func (s *Server) endTask() {
	s.taskLock.Lock()
	s.isTaskRunning = false
	s.taskLock.Unlock()
}

// beginAuthorization claims the single interactive authorization slot
func (s *Server) beginAuthorization() bool {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()

	if s.isAuthorizing {
		return false
	}
	switch s.authorizer.State() {
	case oauth.StateAwaitingRedirect, oauth.StateExchangingCode:
		return false
	}
	s.isAuthorizing = true
	return true
}

func (s *Server) endAuthorization() {
	s.taskLock.Lock()
	s.isAuthorizing = false
	s.taskLock.Unlock()
}

func (s *Server) authorizationRunning() bool {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	return s.isAuthorizing
}

type exportRequest struct {
	Password string `json:"password"`
}

// exportHandler runs a settings export and reports each destination
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req exportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if !s.beginTask() {
		http.Error(w, "An export task is already running", http.StatusConflict)
		return
	}
	defer s.endTask()

	result, err := s.manager.ExportNow(r.Context(), req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newExportResponse(result))
}

// exportFileHandler routes a posted CSV or log payload through the export destinations
func (s *Server) exportFileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind != backup.KindCSV && kind != backup.KindLog {
		http.Error(w, fmt.Sprintf("Invalid export kind: %s", kind), http.StatusBadRequest)
		return
	}

	data, err := readBody(w, r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !s.beginTask() {
		http.Error(w, "An export task is already running", http.StatusConflict)
		return
	}
	defer s.endTask()

	result, err := s.manager.ExportFile(r.Context(), kind, r.URL.Query().Get("name"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newExportResponse(result))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// runRetentionHandler triggers retention policy enforcement
func (s *Server) runRetentionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if s.scheduler == nil {
		http.Error(w, "Scheduler not configured", http.StatusInternalServerError)
		return
	}

	if !s.triggerRetention() {
		http.Error(w, "A task is already running", http.StatusConflict)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Retention policy enforcement initiated",
	})
}

// triggerRetention ensures only one retention task runs at a time
func (s *Server) triggerRetention() bool {
	if !s.beginTask() {
		return false
	}

	go func() {
		defer s.endTask()
		s.logger.Info("Running manual retention policy enforcement")
		s.scheduler.RunRetentionOnce()
	}()

	return true
}

// candidatesHandler lists import candidates of a source
func (s *Server) candidatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	source, err := backup.ParseSource(q.Get("source"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	pageSize := 0
	if v := q.Get("pageSize"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize < 0 {
			http.Error(w, "Invalid pageSize", http.StatusBadRequest)
			return
		}
	}

	page, err := s.manager.ListImportCandidates(r.Context(), source, pageSize, q.Get("pageToken"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

type decryptRequest struct {
	Source      string `json:"source"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	OldPassword string `json:"oldPassword"`
}

type decryptResponse struct {
	Token    string `json:"token,omitempty"`
	Warnings int    `json:"warnings"`
	backup.DecryptResult
}

// decryptHandler decrypts a candidate with the master password. When the
// artifact rejects it the client gets 409 old_password_required and repeats
// the request with oldPassword set.
func (s *Server) decryptHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	source, err := backup.ParseSource(req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" {
		http.Error(w, "Missing required field: id", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	candidate := backup.Candidate{Source: source, ID: req.ID, Name: req.Name}

	var result backup.DecryptResult
	if req.OldPassword == "" {
		result = s.manager.DecryptCandidate(r.Context(), candidate, s.manager.MasterPassword())
		if result.Kind == backup.ResultWrongPassword {
			s.writeJSON(w, http.StatusConflict, errorResponse{
				Error:   "old_password_required",
				Message: "This backup was made with a different password. Enter the old password.",
			})
			return
		}
	} else {
		old := req.OldPassword
		result = s.manager.DecryptWithFallback(r.Context(), candidate, backup.OldPasswordPrompterFunc(
			func(ctx context.Context, c backup.Candidate) (string, error) { return old, nil },
		))
	}

	switch result.Kind {
	case backup.ResultWrongPassword:
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "wrong_password", Message: result.Message})
		return
	case backup.ResultError:
		s.writeError(w, result.Err)
		return
	}

	resp := decryptResponse{DecryptResult: result, Warnings: len(result.Metadata.Warnings())}
	if result.ImportPossible {
		resp.Token = s.sessions.put(result)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type applyRequest struct {
	Token       string `json:"token"`
	Engineering bool   `json:"engineering"`
}

// applyHandler replaces the live settings with a decrypted session
func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, ok := s.sessions.get(req.Token)
	if !ok {
		http.Error(w, "Unknown or expired import token", http.StatusNotFound)
		return
	}

	if err := s.manager.ApplyImport(r.Context(), result, req.Engineering); err != nil {
		s.writeError(w, err)
		return
	}
	s.sessions.remove(req.Token)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"settings": result.Snapshot.Len(),
		"file":     result.Candidate.Name,
	})
}

func (s *Server) provider(w http.ResponseWriter) (cloud.Provider, bool) {
	p := s.manager.Cloud()
	if p == nil {
		s.writeError(w, fmt.Errorf("%w: no cloud provider configured", backup.ErrConfiguration))
		return nil, false
	}
	return p, true
}

// cloudStatusHandler describes the provider connection
func (s *Server) cloudStatusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"provider":   s.cfg.Cloud.Provider,
		"authorized": false,
	}

	if p := s.manager.Cloud(); p != nil {
		status["authorized"] = p.IsAuthorized()
		if err := p.ConnectionError(); err != nil {
			status["connectionError"] = backup.UserMessage(err)
			status["errorKind"] = cloud.Classify(err).String()
		}
		if id, err := p.SelectedFolder(); err == nil && id != "" {
			status["selectedFolder"] = id
		}
	}
	if s.authorizer != nil {
		status["authState"] = s.authorizer.State().String()
	}

	s.writeJSON(w, http.StatusOK, status)
}

// authorizeHandler starts the OAuth flow and returns the consent URL. The
// flow completes in the background once the browser is redirected.
func (s *Server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.authorizer == nil {
		http.Error(w, "The configured provider does not use OAuth", http.StatusBadRequest)
		return
	}
	if !s.beginAuthorization() {
		http.Error(w, "An authorization is already in progress", http.StatusConflict)
		return
	}

	urls := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer s.endAuthorization()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OAuth.AuthTimeout+30*time.Second)
		defer cancel()
		err := s.authorizer.RunInteractive(ctx, func(url string) error {
			urls <- url
			return nil
		})
		if err != nil {
			s.logger.Errorf("Cloud authorization failed: %v", err)
		} else {
			s.logger.Info("Cloud authorization completed")
		}
		errs <- err
	}()

	select {
	case url := <-urls:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"authURL": url})
	case err := <-errs:
		if errors.Is(err, oauth.ErrListenerBind) {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "listener_bind", Message: err.Error()})
			return
		}
		s.writeError(w, err)
	case <-r.Context().Done():
	}
}

// revokeHandler forgets the credentials and the selected folder
func (s *Server) revokeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	p, ok := s.provider(w)
	if !ok {
		return
	}
	if err := p.Revoke(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// countHandler counts settings exports in the selected folder
func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.manager.CountCloudExports(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// foldersHandler lists folders below ?path=
func (s *Server) foldersHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w)
	if !ok {
		return
	}
	folders, err := p.ListFolders(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"folders": folders})
}

type selectFolderRequest struct {
	Path string `json:"path"`
}

// selectFolderHandler persists the folder used by listings and counts
func (s *Server) selectFolderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	p, ok := s.provider(w)
	if !ok {
		return
	}
	var req selectFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	id, err := p.SelectFolder(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"folderId": id})
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("HTTP request")
		next.ServeHTTP(w, r)
	})
}
