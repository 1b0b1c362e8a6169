package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/batch"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/report"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/tools"
)

// BatchRunner runs one compression batch.
type BatchRunner interface {
	Run(ctx context.Context, opts batch.Options) (*statistics.Summary, error)
}

// StatusReporter builds the status report.
type StatusReporter interface {
	Statuses(ctx context.Context) ([]report.Status, error)
}

// FileStatus reads and resets per-file compression state.
type FileStatus interface {
	FindCompressionStatusByUID(ctx context.Context, uid int64) (*storage.CompressionStatus, error)
	ResetCompression(ctx context.Context, uid int64) error
}

// ToolLister reports installed optimizers.
type ToolLister interface {
	GetAvailableTools() map[string]string
}

type Server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	files      FileStatus
	tools      ToolLister
	runner     BatchRunner
	reporter   StatusReporter
	compressor compressor.Compressor

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	cancelRun      context.CancelFunc
	currentRunID   string
	progress       statistics.PoolStats
	lastSummary    *statistics.Summary
	lastError      string
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CompressRequest struct {
	Limit            int  `json:"limit"`
	IncludeProcessed bool `json:"include_processed"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// FileResult is the websocket payload for one compressed file.
type FileResult struct {
	RunID        string `json:"run_id"`
	FileUID      int64  `json:"file_uid"`
	Processed    bool   `json:"processed"`
	Identifier   string `json:"identifier"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Tool         string `json:"tool,omitempty"`
	SavedPercent int    `json:"saved_percent"`
	Error        string `json:"error,omitempty"`
}

func NewServer(cfg *config.Config, log logrus.FieldLogger, files FileStatus, toolLister ToolLister) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		files: files,
		tools: toolLister,
	}

	s.setupRoutes()
	return s
}

// Mount attaches the batch runner and reporter. They are built after the
// server because the compressor publishes its notices through it.
func (s *Server) Mount(runner BatchRunner, reporter StatusReporter, comp compressor.Compressor) {
	s.runner = runner
	s.reporter = reporter
	s.compressor = comp
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/tools", s.handleTools).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/files/{uid:[0-9]+}/status", s.handleFileStatus).Methods("GET")
	api.HandleFunc("/files/{uid:[0-9]+}/reset", s.handleFileReset).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting status server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.operationMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	data := map[string]interface{}{
		"running":  s.isRunning,
		"run_id":   s.currentRunID,
		"progress": s.progress,
	}
	if s.lastSummary != nil {
		data["last_run"] = s.lastSummary
		data["summary"] = s.lastSummary.String()
	}
	if s.lastError != "" {
		data["last_error"] = s.lastError
	}
	s.operationMutex.RUnlock()

	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		s.writeError(w, "Report not available", http.StatusServiceUnavailable)
		return
	}

	statuses, err := s.reporter.Statuses(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to build status report")
		s.writeError(w, "Failed to build report", http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{"statuses": statuses}
	if s.compressor != nil {
		if value, ok := report.Toolbar(r.Context(), s.cfg, s.compressor); ok {
			data["toolbar"] = value
		}
	}
	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"supported": tools.GetSupportedTools(),
	}
	if s.tools != nil {
		data["available"] = s.tools.GetAvailableTools()
	}
	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, "Compression not available", http.StatusServiceUnavailable)
		return
	}

	req := CompressRequest{Limit: batch.DefaultLimit}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Limit <= 0 {
		s.writeError(w, "Limit must be positive", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		cancel()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	s.isRunning = true
	s.cancelRun = cancel
	s.progress = statistics.PoolStats{}
	s.lastError = ""
	s.operationMutex.Unlock()

	go s.runCompressAsync(ctx, req)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	running := s.isRunning
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.operationMutex.Unlock()

	if !running {
		s.writeJSON(w, APIResponse{Success: true, Message: "No operation in progress"})
		return
	}

	s.broadcastWSMessage("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopped",
	})
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	uid, _ := strconv.ParseInt(mux.Vars(r)["uid"], 10, 64)

	status, err := s.files.FindCompressionStatusByUID(r.Context(), uid)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("file_uid", uid).Error("Failed to read compression status")
		s.writeError(w, "Failed to read compression status", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{Success: true, Data: status})
}

func (s *Server) handleFileReset(w http.ResponseWriter, r *http.Request) {
	uid, _ := strconv.ParseInt(mux.Vars(r)["uid"], 10, 64)

	err := s.files.ResetCompression(r.Context(), uid)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("file_uid", uid).Error("Failed to reset compression")
		s.writeError(w, "Failed to reset compression", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{Success: true, Message: "Compression state reset"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) runCompressAsync(ctx context.Context, req CompressRequest) {
	s.broadcastWSMessage("compress_started", map[string]interface{}{
		"limit":             req.Limit,
		"include_processed": req.IncludeProcessed,
	})

	summary, err := s.runner.Run(ctx, batch.Options{
		Limit:            req.Limit,
		IncludeProcessed: req.IncludeProcessed,
	})

	s.operationMutex.Lock()
	s.isRunning = false
	s.cancelRun = nil
	s.currentRunID = ""
	if summary != nil {
		s.lastSummary = summary
	}
	if err != nil {
		s.lastError = err.Error()
	}
	s.operationMutex.Unlock()

	if err != nil {
		s.log.WithError(err).Warn("Compression run ended with an error")
		s.broadcastWSMessage("compress_error", map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	s.broadcastWSMessage("compress_completed", map[string]interface{}{
		"summary": summary,
	})
}

// OnResult is the progress hook handed to the orchestrator.
func (s *Server) OnResult(runID string, res compressor.Result) {
	s.operationMutex.Lock()
	s.currentRunID = runID
	s.progress.Total++
	switch res.Status {
	case compressor.StatusCompressed:
		s.progress.Success++
	case compressor.StatusErrored:
		s.progress.Errors++
	default:
		s.progress.Skipped++
	}
	s.operationMutex.Unlock()

	msg := FileResult{
		RunID:        runID,
		FileUID:      res.FileUID,
		Processed:    res.Processed,
		Identifier:   res.Identifier,
		Status:       res.Status.String(),
		Reason:       res.Reason,
		Tool:         res.Tool,
		SavedPercent: res.SavedPercent,
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	s.broadcastWSMessage("file_result", msg)
}

// Notify implements compressor.NoticeSink.
func (s *Server) Notify(n compressor.Notice) {
	s.broadcastWSMessage("notice", n)
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

// broadcastWSMessage holds wsMutex while writing since a websocket
// connection supports only one concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
