package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelmesh/distributor/internal/failover"
	"github.com/modelmesh/distributor/internal/health"
)

// DB wraps the PostgreSQL connection pool for the control plane.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection.
func New(databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database migrations.
func (db *DB) Migrate(migrationsPath string) error {
	config := db.Pool.Config().ConnConfig
	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.User, config.Password, config.Host, config.Port, config.Database, "disable")

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", absPath)
	}

	m, err := migrate.New(
		"file://"+absPath,
		databaseURL,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// WorkerNode is the persisted registration record of a worker node.
type WorkerNode struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	PeerID        string     `json:"peer_id"`
	Address       string     `json:"address"`
	NetworkID     string     `json:"network_id"`
	APIKeyHash    string     `json:"-"`
	Status        string     `json:"status"`
	CurrentLoad   float64    `json:"current_load"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreateWorkerNode inserts a worker registration record.
func (db *DB) CreateWorkerNode(ctx context.Context, node *WorkerNode) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO worker_nodes (id, name, peer_id, address, network_id, api_key_hash, status, current_load)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		node.ID, node.Name, node.PeerID, node.Address, node.NetworkID,
		node.APIKeyHash, node.Status, node.CurrentLoad)
	if err != nil {
		return fmt.Errorf("failed to create worker node: %w", err)
	}
	return nil
}

// GetWorkerNodeByPeerID retrieves a worker by its libp2p peer ID.
func (db *DB) GetWorkerNodeByPeerID(ctx context.Context, peerID string) (*WorkerNode, error) {
	var node WorkerNode
	err := db.Pool.QueryRow(ctx,
		`SELECT id, name, peer_id, address, network_id, api_key_hash, status, current_load,
		 last_heartbeat, created_at, updated_at
		 FROM worker_nodes WHERE peer_id = $1`,
		peerID).Scan(
		&node.ID, &node.Name, &node.PeerID, &node.Address, &node.NetworkID,
		&node.APIKeyHash, &node.Status, &node.CurrentLoad,
		&node.LastHeartbeat, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("worker node not found")
	}
	return &node, nil
}

// WorkerNodeExists reports whether a peer ID is already registered.
func (db *DB) WorkerNodeExists(ctx context.Context, peerID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM worker_nodes WHERE peer_id = $1)",
		peerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check node existence: %w", err)
	}
	return exists, nil
}

// ListActiveWorkerNodes retrieves all active worker nodes.
func (db *DB) ListActiveWorkerNodes(ctx context.Context) ([]WorkerNode, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, name, peer_id, address, network_id, status, current_load,
		 last_heartbeat, created_at, updated_at
		 FROM worker_nodes WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []WorkerNode
	for rows.Next() {
		var node WorkerNode
		err := rows.Scan(
			&node.ID, &node.Name, &node.PeerID, &node.Address, &node.NetworkID,
			&node.Status, &node.CurrentLoad,
			&node.LastHeartbeat, &node.CreatedAt, &node.UpdatedAt)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateWorkerHeartbeat records the latest heartbeat of a worker node.
func (db *DB) UpdateWorkerHeartbeat(ctx context.Context, nodeID uuid.UUID, load float64) error {
	now := time.Now()
	_, err := db.Pool.Exec(ctx,
		`UPDATE worker_nodes
		 SET last_heartbeat = $1, current_load = $2, updated_at = $3
		 WHERE id = $4`,
		now, load, now, nodeID)
	return err
}

// SetWorkerStatus updates the lifecycle status of a worker node.
func (db *DB) SetWorkerStatus(ctx context.Context, nodeID uuid.UUID, status string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE worker_nodes SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now(), nodeID)
	return err
}

// GetAPIKeyHash retrieves the API key hash for a peer ID. Lookup is by
// identity alone: a failed worker's recovery heartbeat must still
// authenticate.
func (db *DB) GetAPIKeyHash(ctx context.Context, peerID string) (string, error) {
	var hash string
	err := db.Pool.QueryRow(ctx,
		"SELECT api_key_hash FROM worker_nodes WHERE peer_id = $1",
		peerID).Scan(&hash)
	if err != nil {
		return "", err
	}
	return hash, nil
}

// SaveAssignment upserts a block ownership record. Implements
// failover.AssignmentSink.
func (db *DB) SaveAssignment(ctx context.Context, a *failover.Assignment) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO block_assignments (block_id, network_id, assigned_worker, priority, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (block_id) DO UPDATE
		 SET network_id = $2, assigned_worker = $3, priority = $4, last_updated = $5
		 WHERE block_assignments.last_updated <= $5`,
		a.BlockID, a.NetworkID, a.AssignedWorker, a.Priority, a.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save block assignment: %w", err)
	}
	return nil
}

// ListAssignments retrieves the persisted block ownership map of a
// network, used to rebuild the in-memory table after a restart.
func (db *DB) ListAssignments(ctx context.Context, networkID string) ([]failover.Assignment, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT block_id, network_id, assigned_worker, priority, last_updated
		 FROM block_assignments WHERE network_id = $1`,
		networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []failover.Assignment
	for rows.Next() {
		var a failover.Assignment
		if err := rows.Scan(&a.BlockID, &a.NetworkID, &a.AssignedWorker, &a.Priority, &a.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveFailoverEvent appends a failover audit record.
func (db *DB) SaveFailoverEvent(ctx context.Context, e *failover.Event) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO failover_events (event_id, event_type, source_id, target_id, strategy, success, duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EventID, e.EventType, e.SourceID, e.TargetID, string(e.Strategy), e.Success, e.DurationSeconds, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save failover event: %w", err)
	}
	return nil
}

// ListFailoverEvents retrieves the most recent failover events.
func (db *DB) ListFailoverEvents(ctx context.Context, limit int) ([]failover.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT event_id, event_type, source_id, target_id, strategy, success, duration_seconds, created_at
		 FROM failover_events ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []failover.Event
	for rows.Next() {
		var e failover.Event
		var strategy string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.SourceID, &e.TargetID, &strategy, &e.Success, &e.DurationSeconds, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Strategy = failover.Strategy(strategy)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveBackupWorker upserts a standby worker registration.
func (db *DB) SaveBackupWorker(ctx context.Context, bw *failover.BackupWorker) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO backup_workers (worker_id, network_id, host, port, priority, status,
		 cpu_cores, memory_gb, gpu_memory_gb, network_bandwidth_mbps, worker_slots, client_connections, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (worker_id) DO UPDATE
		 SET network_id = $2, host = $3, port = $4, priority = $5, status = $6,
		     cpu_cores = $7, memory_gb = $8, gpu_memory_gb = $9, network_bandwidth_mbps = $10,
		     worker_slots = $11, client_connections = $12, updated_at = $13`,
		bw.WorkerID, bw.NetworkID, bw.Host, bw.Port, bw.Priority, string(bw.Status),
		bw.Quota.CPUCores, bw.Quota.MemoryGB, bw.Quota.GPUMemoryGB, bw.Quota.NetworkBandwidthMbps,
		bw.Quota.WorkerSlots, bw.Quota.ClientConnections, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save backup worker: %w", err)
	}
	return nil
}

// ListBackupWorkers retrieves every registered standby worker, used to
// rebuild the failover registry after a restart. All workers come back
// in standby: activations do not survive a restart.
func (db *DB) ListBackupWorkers(ctx context.Context) ([]*failover.BackupWorker, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT worker_id, network_id, host, port, priority,
		 cpu_cores, memory_gb, gpu_memory_gb, network_bandwidth_mbps, worker_slots, client_connections
		 FROM backup_workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*failover.BackupWorker
	for rows.Next() {
		bw := &failover.BackupWorker{Status: failover.BackupStandby}
		if err := rows.Scan(&bw.WorkerID, &bw.NetworkID, &bw.Host, &bw.Port, &bw.Priority,
			&bw.Quota.CPUCores, &bw.Quota.MemoryGB, &bw.Quota.GPUMemoryGB, &bw.Quota.NetworkBandwidthMbps,
			&bw.Quota.WorkerSlots, &bw.Quota.ClientConnections); err != nil {
			return nil, err
		}
		out = append(out, bw)
	}
	return out, rows.Err()
}

// SaveNotification persists an admin notification.
func (db *DB) SaveNotification(ctx context.Context, n *health.Notification) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO notifications (notification_id, severity, source, message, created_at, acknowledged, acknowledged_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (notification_id) DO UPDATE
		 SET acknowledged = $6, acknowledged_by = $7`,
		n.NotificationID, n.Severity, n.Source, n.Message, n.Timestamp, n.Acknowledged, n.AcknowledgedBy)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}
