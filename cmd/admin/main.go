package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/modelmesh/distributor/internal/alloc"
	"github.com/modelmesh/distributor/internal/api"
	"github.com/modelmesh/distributor/internal/blocks"
	"github.com/modelmesh/distributor/internal/config"
	"github.com/modelmesh/distributor/internal/failover"
	"github.com/modelmesh/distributor/internal/health"
	"github.com/modelmesh/distributor/internal/license"
	"github.com/modelmesh/distributor/internal/p2p"
	"github.com/modelmesh/distributor/internal/store"
	"github.com/modelmesh/distributor/internal/transfer"
)

// engineMover adapts the transfer engine to the failover manager's
// block mover. Blocks are grouped by model and re-sent to the target
// worker in fresh sessions.
type engineMover struct {
	engine     *transfer.Engine
	blockStore *blocks.Store
	adminID    string
}

func (m *engineMover) MoveBlocks(ctx context.Context, targetWorkerID, networkID string, blockIDs []string) bool {
	wanted := make(map[string]bool, len(blockIDs))
	for _, id := range blockIDs {
		wanted[id] = true
	}

	models, err := m.blockStore.ListModels()
	if err != nil {
		log.Warn().Err(err).Msg("block move failed to list models")
		return false
	}

	byModel := make(map[string][]blocks.EncryptedBlock)
	for _, modelID := range models {
		manifest, err := m.blockStore.LoadManifest(modelID)
		if err != nil {
			continue
		}
		for _, b := range manifest.Blocks {
			if wanted[b.BlockID] {
				byModel[modelID] = append(byModel[modelID], b)
			}
		}
	}
	if len(byModel) == 0 {
		return false
	}

	ok := true
	for modelID, blockSet := range byModel {
		sessionID, err := m.engine.StartSession(ctx, m.adminID, targetWorkerID, modelID, blockSet)
		if err != nil {
			log.Warn().Err(err).Str("model_id", modelID).Msg("block move session rejected")
			ok = false
			continue
		}
		if !m.engine.TransferBlocks(ctx, sessionID) {
			ok = false
		}
	}
	return ok
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("failed to load config, using defaults")
		cfg = config.DefaultConfig()
	}

	db, err := store.New(cfg.Database.DatabaseURL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "./migrations"
	}
	if err := db.Migrate(migrationsPath); err != nil {
		log.Warn().Err(err).Msg("migrations failed")
	}

	// License gate
	var expiresAt time.Time
	if cfg.License.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, cfg.License.ExpiresAt)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid license expiry")
		}
	}
	gate := license.NewStaticGate(cfg.License.Tier, cfg.License.AllowedModels, 0, expiresAt)
	if !gate.IsValid() {
		log.Warn().Str("tier", cfg.License.Tier).Msg("license is not valid, licensed operations will be denied")
	}

	// Encrypted block store
	blockStore, err := blocks.NewStore(filepath.Join(cfg.Node.DataDir, "blocks"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open block store")
	}

	// Transfer session store
	var sessions transfer.SessionStore
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisSessionStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.SessionTTLMinutes)*time.Minute)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		sessions = transfer.NewMemorySessionStore()
	}

	// P2P node and stream transport
	identity, err := p2p.LoadOrCreateIdentity(cfg.Node.IdentityKeyPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load p2p identity")
	}
	p2pNode, err := p2p.NewNode(cfg.P2P.ListenAddresses, cfg.P2P.BootstrapPeers, identity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create p2p node")
	}
	if err := p2pNode.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start p2p node")
	}
	defer p2pNode.Close()
	log.Info().Str("peer_id", p2pNode.IDString()).Msg("p2p node started")

	resolvePeer := func(nodeID string) (string, error) {
		node, err := db.GetWorkerNodeByPeerID(context.Background(), nodeID)
		if err == nil {
			return node.PeerID, nil
		}
		// Node IDs already in peer-ID form pass through.
		return nodeID, nil
	}
	transport := p2p.NewStreamTransport(p2pNode, resolvePeer)

	// Transfer engine
	engine := transfer.NewEngine(transfer.Config{
		MaxRetries:     cfg.Transfer.MaxRetries,
		ChunkSize:      int(cfg.Transfer.ChunkSizeBytes),
		BackoffBase:    time.Duration(cfg.Transfer.BackoffBaseMillis) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Transfer.AttemptTimeoutSec) * time.Second,
	}, blockStore, transport, sessions, gate)

	// Resource allocator
	hardware, err := alloc.DetectHardwareQuota(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("hardware detection failed, using license caps only")
	}
	allocator := alloc.New(alloc.Config{
		AllocationInterval: time.Duration(cfg.Allocator.AllocationInterval) * time.Second,
		CleanupInterval:    time.Duration(cfg.Allocator.CleanupInterval) * time.Second,
		StaleAfter:         time.Duration(cfg.Allocator.StaleAfterMinutes) * time.Minute,
		Strategy:           alloc.Strategy(cfg.Allocator.Strategy),
	}, hardware, gate, nil)
	allocator.Start()
	defer allocator.Stop()

	// Health monitor
	monitor := health.NewMonitor(health.Config{
		HeartbeatInterval: time.Duration(cfg.Health.HeartbeatIntervalSec) * time.Second,
		WarningThreshold:  cfg.Health.WarningThreshold,
		FailureThreshold:  cfg.Health.FailureThreshold,
	}, nil)
	monitor.Start()
	defer monitor.Stop()

	allocator.SetLivenessCheck(func(networkID string) bool {
		return monitor.GetHealth(networkID) != nil
	})

	// Worker status in the database shadows health transitions. Backup
	// workers carry non-UUID IDs and are skipped.
	monitor.OnHealthChange(func(id string, _, newStatus health.Status) {
		nodeID, err := uuid.Parse(id)
		if err != nil {
			return
		}
		status := "active"
		switch newStatus {
		case health.StatusCritical:
			status = "failed"
		case health.StatusWarning:
			status = "degraded"
		}
		if err := db.SetWorkerStatus(context.Background(), nodeID, status); err != nil {
			log.Warn().Err(err).Str("worker_id", id).Msg("failed to persist worker status")
		}
	})
	monitor.Notifications().SetSink(db)

	// Failover manager with persisted assignments and event history
	assignments := failover.NewAssignmentTable(db)
	mover := &engineMover{engine: engine, blockStore: blockStore, adminID: p2pNode.IDString()}
	failoverMgr := failover.NewManager(gate, allocator, monitor, mover, assignments, nil)
	failoverMgr.SetEventSink(db)

	// Rehydrate tracking, block ownership and the standby registry from
	// the database.
	if nodes, err := db.ListActiveWorkerNodes(context.Background()); err == nil {
		networks := make(map[string]bool)
		for _, n := range nodes {
			monitor.TrackWorker(n.ID.String(), n.NetworkID, nil)
			networks[n.NetworkID] = true
		}
		for networkID := range networks {
			persisted, err := db.ListAssignments(context.Background(), networkID)
			if err != nil {
				log.Warn().Err(err).Str("network_id", networkID).Msg("failed to load block assignments")
				continue
			}
			assignments.Load(persisted)
		}
	}
	if backups, err := db.ListBackupWorkers(context.Background()); err == nil {
		for _, bw := range backups {
			failoverMgr.RegisterBackupWorker(bw)
		}
	}

	// HTTP API
	authService := api.NewAuthService(db)
	router := api.NewRouter(api.Handlers{
		Auth:      api.NewAuthHandler(authService, cfg.Server.JWTSecret),
		Transfer:  api.NewTransferHandler(engine, blockStore, p2pNode.IDString()),
		Model:     api.NewModelHandler(blockStore, gate),
		Node:      api.NewNodeHandler(db, monitor),
		Resource:  api.NewResourceHandler(allocator),
		Health:    api.NewHealthHandler(monitor, failoverMgr, db),
		JWTSecret: cfg.Server.JWTSecret,
		NodeAPIKeyHash: func(peerID string) (string, error) {
			return db.GetAPIKeyHash(context.Background(), peerID)
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down admin node")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	}()

	log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("admin node http server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	log.Info().Msg("server exited")
}
