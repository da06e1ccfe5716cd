package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"missiongov/internal/logging"
	"missiongov/internal/types"

	"github.com/mattn/go-sqlite3"
)

// SchemaVersion is the current checkpoint schema version.
// v1: checkpoints table with (tenant_id, mission_id, seq) index
const SchemaVersion = 1

// SQLiteStore is a durable Store backed by SQLite. Each save runs in its own
// transaction; the terminal-status check and the insert commit together.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the checkpoint database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "OpenSQLite")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.CheckpointError("failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.CheckpointDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.CheckpointDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.CheckpointDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Checkpoint("checkpoint store ready at %s (schema v%d)", path, SchemaVersion)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL UNIQUE,
			mission_id    TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			status        TEXT NOT NULL,
			payload       BLOB NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_tenant_mission ON checkpoints(tenant_id, mission_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_mission ON checkpoints(mission_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize checkpoint schema: %w", err)
		}
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > SchemaVersion:
		return fmt.Errorf("checkpoint schema v%d is newer than supported v%d", version, SchemaVersion)
	}
	return nil
}

// Save appends record in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, record types.CheckpointRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var latest string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM checkpoints WHERE tenant_id = ? AND mission_id = ? ORDER BY seq DESC LIMIT 1`,
		record.TenantID, record.MissionID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	if err == nil && types.MissionStatus(latest).IsTerminal() {
		return fmt.Errorf("%w: mission %s is %s", ErrMissionTerminal, record.MissionID, latest)
	}

	payload := record.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, mission_id, tenant_id, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.CheckpointID, record.MissionID, record.TenantID, string(record.Status), payload,
		record.CreatedAt.UnixNano())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, record.CheckpointID)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	logging.CheckpointDebug("saved checkpoint %s for %s/%s (%s)",
		record.CheckpointID, record.TenantID, record.MissionID, record.Status)
	return nil
}

// Latest returns the most recently saved record for the tenant/mission.
func (s *SQLiteStore) Latest(ctx context.Context, missionID, tenantID string) (types.CheckpointRecord, error) {
	if err := validateKey(missionID, tenantID); err != nil {
		return types.CheckpointRecord{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, mission_id, tenant_id, status, payload, created_at
		 FROM checkpoints WHERE tenant_id = ? AND mission_id = ? ORDER BY seq DESC LIMIT 1`,
		tenantID, missionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CheckpointRecord{}, s.missingErr(ctx, missionID)
	}
	if err != nil {
		return types.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return rec, nil
}

// List returns every record for the tenant/mission in save order.
func (s *SQLiteStore) List(ctx context.Context, missionID, tenantID string) ([]types.CheckpointRecord, error) {
	if err := validateKey(missionID, tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, mission_id, tenant_id, status, payload, created_at
		 FROM checkpoints WHERE tenant_id = ? AND mission_id = ? ORDER BY seq ASC`,
		tenantID, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.CheckpointRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(out) == 0 {
		return nil, s.missingErr(ctx, missionID)
	}
	return out, nil
}

// Clear removes every record for the tenant/mission.
func (s *SQLiteStore) Clear(ctx context.Context, missionID, tenantID string) error {
	if err := validateKey(missionID, tenantID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE tenant_id = ? AND mission_id = ?`, tenantID, missionID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Checkpoint("cleared %d checkpoint(s) for %s/%s", n, tenantID, missionID)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// missingErr distinguishes an unknown mission from one owned by another tenant.
func (s *SQLiteStore) missingErr(ctx context.Context, missionID string) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE mission_id = ?`, missionID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check mission ownership: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: mission %s", ErrTenantMismatch, missionID)
	}
	return fmt.Errorf("%w: mission %s", ErrNotFound, missionID)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (types.CheckpointRecord, error) {
	var (
		rec     types.CheckpointRecord
		status  string
		created int64
	)
	if err := sc.Scan(&rec.CheckpointID, &rec.MissionID, &rec.TenantID, &status, &rec.Payload, &created); err != nil {
		return types.CheckpointRecord{}, err
	}
	rec.Status = types.MissionStatus(status)
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}
