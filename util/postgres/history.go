package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoShardMapping is returned when no shard mapping was ever saved
var ErrNoShardMapping = errors.New("no shard mapping saved")

// ShardMappingRecord describes one saved shard mapping version
type ShardMappingRecord struct {
	Version   int64
	NumNodes  int
	CreatedAt time.Time
}

// SaveShardMapping records the JSON encoding of a published shard mapping.
// Saving a version twice overwrites the earlier data.
func (db *DB) SaveShardMapping(ctx context.Context, version int64, numNodes int, data []byte) error {
	if version <= 0 {
		return fmt.Errorf("invalid shard mapping version: %d", version)
	}
	if len(data) == 0 {
		return fmt.Errorf("shard mapping data cannot be empty")
	}

	query := `
		INSERT INTO rcuvar_shard_mappings (version, data, num_nodes, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version) DO UPDATE
		SET data = $2, num_nodes = $3
	`

	_, err := db.conn.ExecContext(ctx, query, version, data, numNodes, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save shard mapping version %d: %w", version, err)
	}
	return nil
}

// LoadLatestShardMapping returns the highest saved version and its data
func (db *DB) LoadLatestShardMapping(ctx context.Context) (int64, []byte, error) {
	query := `
		SELECT version, data
		FROM rcuvar_shard_mappings
		ORDER BY version DESC
		LIMIT 1
	`

	var version int64
	var data []byte
	err := db.conn.QueryRowContext(ctx, query).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNoShardMapping
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load shard mapping: %w", err)
	}
	return version, data, nil
}

// ListShardMappingVersions returns up to limit saved versions, newest first
func (db *DB) ListShardMappingVersions(ctx context.Context, limit int) ([]ShardMappingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	query := `
		SELECT version, num_nodes, created_at
		FROM rcuvar_shard_mappings
		ORDER BY version DESC
		LIMIT $1
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list shard mappings: %w", err)
	}
	defer rows.Close()

	var records []ShardMappingRecord
	for rows.Next() {
		var r ShardMappingRecord
		if err := rows.Scan(&r.Version, &r.NumNodes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shard mapping: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shard mappings: %w", err)
	}
	return records, nil
}

// PruneShardMappings deletes all but the newest keep versions and returns the
// number of rows removed
func (db *DB) PruneShardMappings(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep cannot be negative")
	}

	query := `
		DELETE FROM rcuvar_shard_mappings
		WHERE version NOT IN (
			SELECT version FROM rcuvar_shard_mappings
			ORDER BY version DESC
			LIMIT $1
		)
	`

	result, err := db.conn.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shard mappings: %w", err)
	}
	return result.RowsAffected()
}
