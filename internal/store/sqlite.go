package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// NodeDB wraps the node-local SQLite connection. Worker nodes track the
// encrypted blocks they hold here; the control plane never reads it.
type NodeDB struct {
	Conn *sql.DB
}

// NewNodeDB creates a new SQLite database connection.
func NewNodeDB(dbPath string) (*NodeDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &NodeDB{Conn: conn}, nil
}

// Close closes the database connection.
func (db *NodeDB) Close() error {
	return db.Conn.Close()
}

// Migrate executes the migration files in lexical order.
func (db *NodeDB) Migrate(migrationsPath string) error {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(migrationsPath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		if _, err := db.Conn.Exec(string(data)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// StoredBlock is the node-local record of one encrypted model block
// held on disk.
type StoredBlock struct {
	BlockID    string    `json:"block_id"`
	ModelID    string    `json:"model_id"`
	BlockIndex int       `json:"block_index"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	FilePath   string    `json:"file_path"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveBlock upserts a stored block record.
func (db *NodeDB) SaveBlock(b *StoredBlock) error {
	_, err := db.Conn.Exec(
		`INSERT INTO stored_blocks (block_id, model_id, block_index, checksum, size_bytes, file_path)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(block_id) DO UPDATE SET
		   model_id = excluded.model_id,
		   block_index = excluded.block_index,
		   checksum = excluded.checksum,
		   size_bytes = excluded.size_bytes,
		   file_path = excluded.file_path,
		   status = 'active',
		   updated_at = ?`,
		b.BlockID, b.ModelID, b.BlockIndex, b.Checksum, b.SizeBytes, b.FilePath, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store block metadata: %w", err)
	}
	return nil
}

// GetBlock retrieves a stored block record by ID.
func (db *NodeDB) GetBlock(blockID string) (*StoredBlock, error) {
	var b StoredBlock
	err := db.Conn.QueryRow(
		"SELECT block_id, model_id, block_index, checksum, size_bytes, file_path, status, created_at, updated_at FROM stored_blocks WHERE block_id = ?",
		blockID).Scan(
		&b.BlockID, &b.ModelID, &b.BlockIndex, &b.Checksum,
		&b.SizeBytes, &b.FilePath, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("block not found: %w", err)
	}
	return &b, nil
}

// ListBlocks lists the active stored blocks, optionally filtered by
// model. Empty modelID means all models.
func (db *NodeDB) ListBlocks(modelID string) ([]StoredBlock, error) {
	query := "SELECT block_id, model_id, block_index, checksum, size_bytes, file_path, status, created_at, updated_at FROM stored_blocks WHERE status = 'active'"
	args := []any{}
	if modelID != "" {
		query += " AND model_id = ?"
		args = append(args, modelID)
	}
	query += " ORDER BY model_id, block_index"

	rows, err := db.Conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []StoredBlock
	for rows.Next() {
		var b StoredBlock
		err := rows.Scan(
			&b.BlockID, &b.ModelID, &b.BlockIndex, &b.Checksum,
			&b.SizeBytes, &b.FilePath, &b.Status, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// DeleteBlock marks a stored block as deleted.
func (db *NodeDB) DeleteBlock(blockID string) error {
	_, err := db.Conn.Exec(
		"UPDATE stored_blocks SET status = 'deleted', updated_at = ? WHERE block_id = ?",
		time.Now(), blockID)
	return err
}

// TotalBlockBytes returns the bytes held by active blocks.
func (db *NodeDB) TotalBlockBytes() (int64, error) {
	var total int64
	err := db.Conn.QueryRow(
		"SELECT COALESCE(SUM(size_bytes), 0) FROM stored_blocks WHERE status = 'active'").Scan(&total)
	return total, err
}

// BlockCount returns the number of active stored blocks.
func (db *NodeDB) BlockCount() (int, error) {
	var count int
	err := db.Conn.QueryRow(
		"SELECT COUNT(*) FROM stored_blocks WHERE status = 'active'").Scan(&count)
	return count, err
}
