package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists signals and the proximity history locally.
type Store interface {
	Put(ctx context.Context, sig Signal) error
	Update(ctx context.Context, sig Signal) (bool, error)
	Get(ctx context.Context, id string) (Signal, bool, error)
	List(ctx context.Context) ([]Signal, error)
	ListExpired(ctx context.Context, now time.Time) ([]Signal, error)
	Delete(ctx context.Context, id string) (bool, error)
	Evict(ctx context.Context, limit int, now time.Time) ([]Signal, error)
	SaveProximity(ctx context.Context, pings map[uint32][]time.Time) error
	LoadProximity(ctx context.Context, since time.Time) (map[uint32][]time.Time, error)
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the signals database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("signals: database path must be provided")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("signals: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("signals: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("signals: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := configureConnection(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func configureConnection(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("signals: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS signals (
            id TEXT PRIMARY KEY,
            author_id TEXT NOT NULL,
            content TEXT NOT NULL,
            media_urls TEXT NOT NULL DEFAULT '[]',
            latitude REAL,
            longitude REAL,
            location_name TEXT,
            created_at INTEGER NOT NULL,
            expires_at INTEGER,
            comment_count INTEGER NOT NULL DEFAULT 0,
            mesh_node_id INTEGER,
            image_state TEXT NOT NULL DEFAULT 'none',
            image_local_path TEXT,
            synced_to_cloud INTEGER NOT NULL DEFAULT 0
        )`,
		"CREATE INDEX IF NOT EXISTS idx_signals_expires_at ON signals(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)",
		`CREATE TABLE IF NOT EXISTS proximity_pings (
            node_id INTEGER NOT NULL,
            seen_at INTEGER NOT NULL,
            PRIMARY KEY (node_id, seen_at)
        )`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("signals: migrate: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, author_id, content, media_urls, latitude, longitude, location_name,
        created_at, expires_at, comment_count, mesh_node_id, image_state, image_local_path, synced_to_cloud`

// Put inserts or replaces a signal. An existing expires_at is never changed.
func (s *SQLiteStore) Put(ctx context.Context, sig Signal) error {
	args, err := rowArgs(sig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO signals (`+selectColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            author_id = excluded.author_id,
            content = excluded.content,
            media_urls = excluded.media_urls,
            latitude = excluded.latitude,
            longitude = excluded.longitude,
            location_name = excluded.location_name,
            created_at = excluded.created_at,
            expires_at = COALESCE(signals.expires_at, excluded.expires_at),
            comment_count = excluded.comment_count,
            mesh_node_id = excluded.mesh_node_id,
            image_state = excluded.image_state,
            image_local_path = excluded.image_local_path,
            synced_to_cloud = excluded.synced_to_cloud`, args...)
	if err != nil {
		return fmt.Errorf("signals: put %s: %w", sig.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing signal. It reports false
// when the row no longer exists, so a concurrent delete is never undone.
func (s *SQLiteStore) Update(ctx context.Context, sig Signal) (bool, error) {
	urls, err := json.Marshal(nonNilURLs(sig.MediaURLs))
	if err != nil {
		return false, fmt.Errorf("signals: encode media urls: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE signals SET
            media_urls = ?,
            comment_count = ?,
            image_state = ?,
            image_local_path = ?,
            synced_to_cloud = ?
        WHERE id = ?`,
		string(urls), int64(sig.CommentCount), string(sig.ImageState), nullString(sig.ImageLocalPath), boolInt(sig.SyncedToCloud), sig.ID)
	if err != nil {
		return false, fmt.Errorf("signals: update %s: %w", sig.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("signals: rows affected: %w", err)
	}
	return n > 0, nil
}

// Get loads one signal.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Signal, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("signals: get %s: %w", id, err)
	}
	return sig, true, nil
}

// List returns every stored signal, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Signal, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM signals ORDER BY created_at DESC, id ASC`)
}

// ListExpired returns signals whose expires_at is at or before now.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]Signal, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM signals
        WHERE expires_at IS NOT NULL AND expires_at <= ?
        ORDER BY expires_at ASC, id ASC`, now.UnixMilli())
}

// Delete removes a signal and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM signals WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("signals: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("signals: rows affected: %w", err)
	}
	return n > 0, nil
}

// Evict trims the table to limit rows, removing expired signals first and
// then the oldest by created_at. The removed signals are returned.
func (s *SQLiteStore) Evict(ctx context.Context, limit int, now time.Time) ([]Signal, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM signals").Scan(&count); err != nil {
		return nil, fmt.Errorf("signals: count: %w", err)
	}
	excess := count - limit
	if limit <= 0 || excess <= 0 {
		return nil, nil
	}

	victims, err := s.query(ctx, `SELECT `+selectColumns+` FROM signals
        ORDER BY CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 0 ELSE 1 END,
            created_at ASC, id ASC
        LIMIT ?`, now.UnixMilli(), excess)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("signals: begin evict: %w", err)
	}
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, "DELETE FROM signals WHERE id = ?", v.ID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("signals: evict %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("signals: commit evict: %w", err)
	}
	return victims, nil
}

// SaveProximity replaces the persisted ping history.
func (s *SQLiteStore) SaveProximity(ctx context.Context, pings map[uint32][]time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("signals: begin proximity save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM proximity_pings"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("signals: clear proximity: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO proximity_pings (node_id, seen_at) VALUES (?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("signals: prepare proximity insert: %w", err)
	}
	defer stmt.Close()
	for node, times := range pings {
		for _, at := range times {
			if _, err := stmt.ExecContext(ctx, int64(node), at.UnixMilli()); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("signals: insert proximity ping: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("signals: commit proximity: %w", err)
	}
	return nil
}

// LoadProximity returns pings seen after since, oldest first per node.
func (s *SQLiteStore) LoadProximity(ctx context.Context, since time.Time) (map[uint32][]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, seen_at FROM proximity_pings
        WHERE seen_at > ? ORDER BY node_id, seen_at`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("signals: load proximity: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32][]time.Time)
	for rows.Next() {
		var node, seen int64
		if err := rows.Scan(&node, &seen); err != nil {
			return nil, fmt.Errorf("signals: scan proximity: %w", err)
		}
		out[uint32(node)] = append(out[uint32(node)], time.UnixMilli(seen))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signals: iterate proximity: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("signals: query: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("signals: scan: %w", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signals: iterate: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (Signal, error) {
	var (
		sig          Signal
		mediaURLs    string
		lat, lon     sql.NullFloat64
		locationName sql.NullString
		createdAt    int64
		expiresAt    sql.NullInt64
		commentCount int64
		meshNodeID   sql.NullInt64
		imageState   string
		localPath    sql.NullString
		synced       int64
	)
	if err := row.Scan(&sig.ID, &sig.AuthorID, &sig.Content, &mediaURLs, &lat, &lon, &locationName,
		&createdAt, &expiresAt, &commentCount, &meshNodeID, &imageState, &localPath, &synced); err != nil {
		return Signal{}, err
	}

	if err := json.Unmarshal([]byte(mediaURLs), &sig.MediaURLs); err != nil {
		return Signal{}, fmt.Errorf("decode media urls: %w", err)
	}
	if lat.Valid && lon.Valid {
		sig.Location = &Location{Latitude: lat.Float64, Longitude: lon.Float64, Name: locationName.String}
	}
	sig.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		sig.ExpiresAt = &t
	}
	sig.CommentCount = uint32(commentCount)
	if meshNodeID.Valid {
		node := uint32(meshNodeID.Int64)
		sig.MeshNodeID = &node
	}
	sig.ImageState = ImageState(imageState)
	if localPath.Valid {
		p := localPath.String
		sig.ImageLocalPath = &p
	}
	sig.SyncedToCloud = synced != 0
	return sig, nil
}

func rowArgs(sig Signal) ([]any, error) {
	urls, err := json.Marshal(nonNilURLs(sig.MediaURLs))
	if err != nil {
		return nil, fmt.Errorf("signals: encode media urls: %w", err)
	}

	var lat, lon, locName any
	if sig.Location != nil {
		lat, lon = sig.Location.Latitude, sig.Location.Longitude
		if name := strings.TrimSpace(sig.Location.Name); name != "" {
			locName = name
		}
	}
	var expires any
	if sig.ExpiresAt != nil {
		expires = sig.ExpiresAt.UnixMilli()
	}
	var node any
	if sig.MeshNodeID != nil {
		node = int64(*sig.MeshNodeID)
	}
	state := sig.ImageState
	if state == "" {
		state = ImageNone
	}

	return []any{
		sig.ID, sig.AuthorID, sig.Content, string(urls), lat, lon, locName,
		sig.CreatedAt.UnixMilli(), expires, int64(sig.CommentCount), node, string(state),
		nullString(sig.ImageLocalPath), boolInt(sig.SyncedToCloud),
	}, nil
}

func nonNilURLs(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
