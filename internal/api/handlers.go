package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/alloc"
	"github.com/modelmesh/distributor/internal/blocks"
	"github.com/modelmesh/distributor/internal/failover"
	"github.com/modelmesh/distributor/internal/health"
	"github.com/modelmesh/distributor/internal/license"
	"github.com/modelmesh/distributor/internal/store"
	"github.com/modelmesh/distributor/internal/transfer"
)

// AuthHandler handles admin authentication requests.
type AuthHandler struct {
	authService *AuthService
	jwtConfig   JWTConfig
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authService *AuthService, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		jwtConfig: JWTConfig{
			Secret:     jwtSecret,
			Expiration: 24 * time.Hour,
		},
	}
}

// Register handles admin registration.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admin, err := h.authService.Register(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := GenerateToken(admin.ID.String(), admin.Email, h.jwtConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		AdminID: admin.ID.String(),
		Email:   admin.Email,
		Token:   token,
	})
}

// Login handles admin login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admin, err := h.authService.Login(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := GenerateToken(admin.ID.String(), admin.Email, h.jwtConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		AdminID: admin.ID.String(),
		Email:   admin.Email,
		Token:   token,
	})
}

// TransferHandler exposes the block transfer engine.
type TransferHandler struct {
	engine     *transfer.Engine
	blockStore *blocks.Store
	adminID    string
}

// NewTransferHandler creates a new transfer handler. adminNodeID
// identifies this admin node in sessions it initiates.
func NewTransferHandler(engine *transfer.Engine, blockStore *blocks.Store, adminNodeID string) *TransferHandler {
	return &TransferHandler{engine: engine, blockStore: blockStore, adminID: adminNodeID}
}

// StartTransferRequest represents a transfer initiation request.
type StartTransferRequest struct {
	ClientNodeID string `json:"client_node_id" binding:"required"`
	ModelID      string `json:"model_id" binding:"required"`
}

// StartTransfer initiates a transfer session for every block of a model
// and launches the transfer in the background.
func (h *TransferHandler) StartTransfer(c *gin.Context) {
	var req StartTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	manifest, err := h.blockStore.LoadManifest(req.ModelID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := h.engine.StartSession(c.Request.Context(), h.adminID, req.ClientNodeID, req.ModelID, manifest.Blocks)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, license.ErrDenied) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	// Detached from the request context: the transfer outlives the
	// HTTP call that started it.
	go h.engine.TransferBlocks(context.Background(), sessionID)

	c.JSON(http.StatusAccepted, gin.H{
		"session_id":   sessionID,
		"model_id":     req.ModelID,
		"total_blocks": manifest.TotalBlocks,
	})
}

// GetProgress returns a progress snapshot for a session.
func (h *TransferHandler) GetProgress(c *gin.Context) {
	progress := h.engine.GetProgress(c.Request.Context(), c.Param("id"))
	if progress == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// PauseTransfer pauses an in-progress session.
func (h *TransferHandler) PauseTransfer(c *gin.Context) {
	if !h.engine.PauseTransfer(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "session cannot be paused"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeTransfer resumes a paused or failed session in the background.
func (h *TransferHandler) ResumeTransfer(c *gin.Context) {
	sessionID := c.Param("id")
	progress := h.engine.GetProgress(c.Request.Context(), sessionID)
	if progress == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	switch progress.Status {
	case transfer.SessionCompleted, transfer.SessionCancelled:
		c.JSON(http.StatusConflict, gin.H{"error": "session cannot be resumed"})
		return
	}

	go h.engine.ResumeTransfer(context.Background(), sessionID)

	c.JSON(http.StatusAccepted, gin.H{"status": "resuming", "session_id": sessionID})
}

// CancelTransfer cancels a session.
func (h *TransferHandler) CancelTransfer(c *gin.Context) {
	if !h.engine.CancelTransfer(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// SessionKeyResult carries a session transport key to the destination
// node. Key is base64 on the wire.
type SessionKeyResult struct {
	SessionID string `json:"session_id"`
	Key       []byte `json:"key"`
}

// SessionKey serves a session's transport key to the worker node the
// session is addressed to. The route sits behind node authentication;
// any other node gets a 403.
func (h *TransferHandler) SessionKey(c *gin.Context) {
	sessionID := c.Param("id")
	clientNodeID, key, err := h.engine.SessionKey(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	peerID, _ := c.Get("peer_id")
	if pid, ok := peerID.(string); !ok || pid != clientNodeID {
		c.JSON(http.StatusForbidden, gin.H{"error": "session is not addressed to this node"})
		return
	}

	c.JSON(http.StatusOK, SessionKeyResult{SessionID: sessionID, Key: key})
}

// ModelHandler exposes the encrypted block store.
type ModelHandler struct {
	blockStore *blocks.Store
	gate       license.Gate
}

// NewModelHandler creates a new model handler.
func NewModelHandler(blockStore *blocks.Store, gate license.Gate) *ModelHandler {
	return &ModelHandler{blockStore: blockStore, gate: gate}
}

// ListModels lists the models available for distribution.
func (h *ModelHandler) ListModels(c *gin.Context) {
	models, err := h.blockStore.ListModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// GetManifest returns the block manifest of a model.
func (h *ModelHandler) GetManifest(c *gin.Context) {
	modelID := c.Param("id")
	if !license.ModelAllowed(h.gate, modelID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "model not covered by license"})
		return
	}
	manifest, err := h.blockStore.LoadManifest(modelID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// ExportModelRequest represents a model export request.
type ExportModelRequest struct {
	ModelID   string `json:"model_id" binding:"required"`
	ModelData []byte `json:"model_data" binding:"required"`
	BlockSize int    `json:"block_size"`
}

// ExportModel splits, encrypts and stores a model for distribution.
func (h *ModelHandler) ExportModel(c *gin.Context) {
	var req ExportModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := blocks.NewEncryptionKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	manifest, err := h.blockStore.ExportModel(req.ModelID, req.ModelData, req.BlockSize, key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"model_id":     manifest.ModelID,
		"total_blocks": manifest.TotalBlocks,
		"key_id":       key.KeyID,
	})
}

// NodeHandler handles worker node registration and heartbeats.
type NodeHandler struct {
	db      *store.DB
	monitor *health.Monitor
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(db *store.DB, monitor *health.Monitor) *NodeHandler {
	return &NodeHandler{db: db, monitor: monitor}
}

// RegisterNodeRequest represents a node registration request.
type RegisterNodeRequest struct {
	Name      string `json:"name" binding:"required"`
	PeerID    string `json:"peer_id" binding:"required"`
	Address   string `json:"address"`
	NetworkID string `json:"network_id" binding:"required"`
}

// Register registers a worker node and returns its API key. The key is
// shown once; only its hash is stored.
func (h *NodeHandler) Register(c *gin.Context) {
	var req RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exists, err := h.db.WorkerNodeExists(c.Request.Context(), req.PeerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "node with this peer_id already exists"})
		return
	}

	apiKey, apiKeyHash := GenerateAPIKey()
	node := &store.WorkerNode{
		ID:         uuid.New(),
		Name:       req.Name,
		PeerID:     req.PeerID,
		Address:    req.Address,
		NetworkID:  req.NetworkID,
		APIKeyHash: apiKeyHash,
		Status:     "active",
	}

	if err := h.db.CreateWorkerNode(c.Request.Context(), node); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.monitor.TrackWorker(node.ID.String(), req.NetworkID, nil)

	log.Info().Str("node_id", node.ID.String()).Str("peer_id", req.PeerID).Msg("worker node registered")

	c.JSON(http.StatusCreated, gin.H{
		"node_id": node.ID.String(),
		"api_key": apiKey,
	})
}

// ListNodes lists the active worker nodes.
func (h *NodeHandler) ListNodes(c *gin.Context) {
	nodes, err := h.db.ListActiveWorkerNodes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// HeartbeatRequest represents a node heartbeat.
type HeartbeatRequest struct {
	ResponseTimeMillis int64   `json:"response_time_millis"`
	CurrentLoad        float64 `json:"current_load"`
}

// Heartbeat records a worker heartbeat in both the database and the
// health monitor.
func (h *NodeHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peerID, _ := c.Get("peer_id")
	node, err := h.db.GetWorkerNodeByPeerID(c.Request.Context(), peerID.(string))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.UpdateWorkerHeartbeat(c.Request.Context(), node.ID, req.CurrentLoad); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// A worker that dropped out of tracking, e.g. marked failed before an
	// admin restart, re-enters monitoring on its first heartbeat back.
	if h.monitor.GetHealth(node.ID.String()) == nil {
		h.monitor.TrackWorker(node.ID.String(), node.NetworkID, nil)
	}
	h.monitor.Heartbeat(node.ID.String(), time.Duration(req.ResponseTimeMillis)*time.Millisecond, req.CurrentLoad)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ResourceHandler exposes the allocator.
type ResourceHandler struct {
	allocator *alloc.Allocator
}

// NewResourceHandler creates a new resource handler.
func NewResourceHandler(allocator *alloc.Allocator) *ResourceHandler {
	return &ResourceHandler{allocator: allocator}
}

// AllocationRequest represents a resource allocation request.
type AllocationRequest struct {
	NetworkID  string      `json:"network_id" binding:"required"`
	Required   alloc.Quota `json:"required"`
	Priority   int         `json:"priority"`
	TimeoutSec int         `json:"timeout_sec"`
}

// RequestResources enqueues an allocation request.
func (h *ResourceHandler) RequestResources(c *gin.Context) {
	var req AllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	requestID, err := h.allocator.RequestResources(req.NetworkID, req.Required, alloc.Priority(req.Priority), timeout)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, license.ErrDenied) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
}

// ReleaseResources releases an allocation.
func (h *ResourceHandler) ReleaseResources(c *gin.Context) {
	if !h.allocator.ReleaseResources(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// GetUtilization returns the per-resource utilization report.
func (h *ResourceHandler) GetUtilization(c *gin.Context) {
	c.JSON(http.StatusOK, h.allocator.GetUtilization())
}

// FailoverStore persists failover state across admin restarts and serves
// the durable event history.
type FailoverStore interface {
	SaveBackupWorker(ctx context.Context, bw *failover.BackupWorker) error
	ListFailoverEvents(ctx context.Context, limit int) ([]failover.Event, error)
}

// HealthHandler exposes health state, admin notifications and the
// failover controls.
type HealthHandler struct {
	monitor  *health.Monitor
	failover *failover.Manager
	store    FailoverStore
}

// NewHealthHandler creates a new health handler. store may be nil when
// no control-plane database is attached.
func NewHealthHandler(monitor *health.Monitor, fm *failover.Manager, store FailoverStore) *HealthHandler {
	return &HealthHandler{monitor: monitor, failover: fm, store: store}
}

// Overall returns the aggregated system status and degradation level.
func (h *HealthHandler) Overall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      h.monitor.OverallStatus(),
		"degradation": h.failover.DegradationLevelNow().String(),
	})
}

// GetEntity returns one entity's health record.
func (h *HealthHandler) GetEntity(c *gin.Context) {
	info := h.monitor.GetHealth(c.Param("id"))
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not tracked"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListNotifications returns the admin notification feed.
func (h *HealthHandler) ListNotifications(c *gin.Context) {
	if c.Query("unacknowledged") == "true" {
		c.JSON(http.StatusOK, gin.H{"notifications": h.monitor.Notifications().Unacknowledged()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.monitor.Notifications().List()})
}

// AcknowledgeNotification marks a notification acknowledged by the
// authenticated admin.
func (h *HealthHandler) AcknowledgeNotification(c *gin.Context) {
	if !h.monitor.Notifications().Acknowledge(c.Param("id"), GetAdminID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// ListFailoverEvents returns the recorded failover events, preferring
// the durable history over the current process's memory.
func (h *HealthHandler) ListFailoverEvents(c *gin.Context) {
	if h.store != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		events, err := h.store.ListFailoverEvents(c.Request.Context(), limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"events": events})
			return
		}
		log.Warn().Err(err).Msg("failed to load failover events, serving in-memory history")
	}
	c.JSON(http.StatusOK, gin.H{"events": h.failover.Events()})
}

// RegisterBackupRequest represents a standby worker registration.
type RegisterBackupRequest struct {
	WorkerID  string      `json:"worker_id" binding:"required"`
	NetworkID string      `json:"network_id" binding:"required"`
	Host      string      `json:"host"`
	Port      int         `json:"port"`
	Priority  int         `json:"priority"`
	Quota     alloc.Quota `json:"quota"`
}

// RegisterBackup registers a standby worker able to take over a failed
// worker's blocks.
func (h *HealthHandler) RegisterBackup(c *gin.Context) {
	var req RegisterBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bw := &failover.BackupWorker{
		WorkerID:  req.WorkerID,
		NetworkID: req.NetworkID,
		Host:      req.Host,
		Port:      req.Port,
		Priority:  req.Priority,
		Status:    failover.BackupStandby,
		Quota:     req.Quota,
	}
	h.failover.RegisterBackupWorker(bw)

	if h.store != nil {
		if err := h.store.SaveBackupWorker(c.Request.Context(), bw); err != nil {
			log.Warn().Err(err).Str("worker_id", bw.WorkerID).Msg("failed to persist backup worker")
		}
	}

	c.JSON(http.StatusCreated, bw)
}

// ListBackups returns the registered backup workers.
func (h *HealthHandler) ListBackups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backup_workers": h.failover.BackupWorkers()})
}

// SetDegradationRequest represents a manual degradation change.
type SetDegradationRequest struct {
	Level  int    `json:"level" binding:"min=0,max=4"`
	Reason string `json:"reason" binding:"required"`
}

// SetDegradation manually sets the degradation level.
func (h *HealthHandler) SetDegradation(c *gin.Context) {
	var req SetDegradationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.failover.GracefulDegradation(failover.DegradationLevel(req.Level), req.Reason)
	c.JSON(http.StatusOK, gin.H{"level": failover.DegradationLevel(req.Level).String()})
}
