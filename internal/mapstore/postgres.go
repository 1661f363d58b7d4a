package mapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// PostgresStore keeps one row per room in room_maps.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates room_maps if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS room_maps (
			room_key   TEXT PRIMARY KEY,
			entries    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create room_maps: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Maps, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room_key, entries FROM room_maps`)
	if err != nil {
		return nil, fmt.Errorf("failed to query room_maps: %w", err)
	}
	defer rows.Close()

	maps := Maps{}
	for rows.Next() {
		var room string
		var raw []byte
		if err := rows.Scan(&room, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan room_maps: %w", err)
		}
		var entries []protocol.MappingEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse map for room %s: %w", room, err)
		}
		maps[room] = entries
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read room_maps: %w", err)
	}
	return maps, nil
}

// Save replaces the table contents with maps in one transaction.
func (s *PostgresStore) Save(ctx context.Context, maps Maps) error {
	rooms := make([]string, 0, len(maps))
	for room := range maps {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM room_maps WHERE room_key <> ALL($1)`,
		pq.Array(rooms),
	); err != nil {
		return fmt.Errorf("failed to prune room_maps: %w", err)
	}

	for _, room := range rooms {
		raw, err := json.Marshal(maps[room])
		if err != nil {
			return fmt.Errorf("failed to encode map for room %s: %w", room, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_maps (room_key, entries, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (room_key) DO UPDATE SET entries = EXCLUDED.entries, updated_at = now()
		`, room, raw); err != nil {
			return fmt.Errorf("failed to upsert map for room %s: %w", room, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit room_maps: %w", err)
	}
	return nil
}
