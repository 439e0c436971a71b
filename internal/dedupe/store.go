package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gotnull/meshsync/internal/observability"
)

const (
	// DefaultTTL is the dedupe window applied when callers pass a non-positive ttl.
	DefaultTTL = 90 * time.Minute
	// DefaultCleanupInterval bounds how often MarkSeen prunes stale rows.
	DefaultCleanupInterval = 10 * time.Minute

	schemaVersion = 1
	noChannel     = -1
)

// ErrUnavailable is returned by Init once the store has permanently failed.
var ErrUnavailable = errors.New("dedupe: store unavailable")

// State describes the lifecycle of the backing database handle.
type State int32

const (
	StateUninitialized State = iota
	StateOpening
	StateRecoveryAttempt
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpening:
		return "opening"
	case StateRecoveryAttempt:
		return "recovery_attempt"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PacketKey identifies a mesh packet. A nil ChannelIndex never matches a concrete channel.
type PacketKey struct {
	PacketType   string
	SenderNodeID uint32
	PacketID     uint32
	ChannelIndex *uint8
}

// Channel returns a pointer suitable for PacketKey.ChannelIndex.
func Channel(index uint8) *uint8 {
	return &index
}

func (k PacketKey) channelColumn() int {
	if k.ChannelIndex == nil {
		return noChannel
	}
	return int(*k.ChannelIndex)
}

// Config holds the dedupe store settings.
type Config struct {
	Path            string
	CleanupInterval time.Duration
}

// Store is a SQLite backed, TTL scoped record of processed packets.
// Every failure degrades to "not seen"; callers never block on it.
type Store struct {
	cfg Config

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu          sync.Mutex
	state       State
	db          *sql.DB
	inflight    chan struct{}
	lastCleanup time.Time
}

// Option configures the store.
type Option func(*Store)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a store. The database is opened lazily by Init or the first lookup.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("dedupe: database path must be provided")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State reports the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Check returns ErrUnavailable when the store has permanently failed.
func (s *Store) Check() error {
	if s.State() == StateFailed {
		return ErrUnavailable
	}
	return nil
}

// Init opens the database once. Concurrent callers share the in-flight open.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateFailed:
		s.mu.Unlock()
		return ErrUnavailable
	}

	if s.inflight != nil {
		wait := s.inflight
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.initResult()
	}

	done := make(chan struct{})
	s.inflight = done
	s.state = StateOpening
	s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil && ctx.Err() != nil {
		s.finishInit(nil, StateUninitialized, done)
		return ctx.Err()
	}
	if err != nil {
		s.logger.Warn("dedupe store open failed, recreating database",
			slog.String("path", s.cfg.Path),
			slog.Any("error", err))
		s.setState(StateRecoveryAttempt)
		db, err = s.recoverDatabase(ctx)
	}
	if err != nil {
		s.logger.Error("dedupe store recovery failed, deduplication disabled for this session",
			slog.String("path", s.cfg.Path),
			slog.Any("error", err))
		s.metrics.SetDedupeDegraded(true)
		s.finishInit(nil, StateFailed, done)
		return ErrUnavailable
	}

	s.finishInit(db, StateReady, done)
	return nil
}

func (s *Store) initResult() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return nil
	case StateFailed:
		return ErrUnavailable
	default:
		return errors.New("dedupe: init aborted")
	}
}

func (s *Store) finishInit(db *sql.DB, state State, done chan struct{}) {
	s.mu.Lock()
	s.db = db
	s.state = state
	if state == StateReady {
		s.lastCleanup = s.now()
	}
	s.inflight = nil
	close(done)
	s.mu.Unlock()
}

func (s *Store) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// HasSeen reports whether key was marked within ttl. Storage errors answer false.
func (s *Store) HasSeen(ctx context.Context, key PacketKey, ttl time.Duration) bool {
	db := s.handle(ctx)
	if db == nil {
		return false
	}
	ttl = normalizeTTL(ttl)

	cutoff := s.now().Add(-ttl).UnixMilli()
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM mesh_seen_packets
        WHERE packet_type = ? AND sender_node_id = ? AND packet_id = ? AND channel_index = ? AND received_at > ?
        LIMIT 1`,
		key.PacketType, int64(key.SenderNodeID), int64(key.PacketID), key.channelColumn(), cutoff,
	).Scan(&one)
	switch {
	case err == nil:
		return true
	case errors.Is(err, sql.ErrNoRows):
		return false
	default:
		s.metrics.IncStoreErrors()
		s.logger.Warn("dedupe lookup failed", slog.Any("error", err))
		return false
	}
}

// MarkSeen records key as seen now, replacing any earlier entry. Every
// CleanupInterval it also prunes rows older than ttl.
func (s *Store) MarkSeen(ctx context.Context, key PacketKey, ttl time.Duration) {
	db := s.handle(ctx)
	if db == nil {
		return
	}
	ttl = normalizeTTL(ttl)
	now := s.now()

	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO mesh_seen_packets
        (packet_type, sender_node_id, packet_id, channel_index, received_at)
        VALUES (?, ?, ?, ?, ?)`,
		key.PacketType, int64(key.SenderNodeID), int64(key.PacketID), key.channelColumn(), now.UnixMilli(),
	)
	if err != nil {
		s.metrics.IncStoreErrors()
		s.logger.Warn("dedupe mark failed", slog.Any("error", err))
		return
	}

	if !s.cleanupDue(now) {
		return
	}
	removed, err := deleteOlderThan(ctx, db, now.Add(-ttl))
	if err != nil {
		s.logger.Warn("dedupe cleanup failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Debug("dedupe cleanup removed stale entries", slog.Int("removed", removed))
	}
}

// Cleanup deletes entries older than ttl and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, ttl time.Duration) (int, error) {
	db := s.handle(ctx)
	if db == nil {
		return 0, nil
	}
	now := s.now()

	s.mu.Lock()
	s.lastCleanup = now
	s.mu.Unlock()

	removed, err := deleteOlderThan(ctx, db, now.Add(-normalizeTTL(ttl)))
	if err != nil {
		s.metrics.IncStoreErrors()
		return 0, err
	}
	return removed, nil
}

// Close releases the database handle. It is safe on a store that never opened.
func (s *Store) Close() error {
	s.mu.Lock()
	wait := s.inflight
	s.mu.Unlock()
	if wait != nil {
		<-wait
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.state == StateReady {
		s.state = StateUninitialized
	}
	if err != nil {
		return fmt.Errorf("dedupe: close sqlite: %w", err)
	}
	return nil
}

func (s *Store) handle(ctx context.Context) *sql.DB {
	if err := s.Init(ctx); err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) cleanupDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastCleanup) < s.cfg.CleanupInterval {
		return false
	}
	s.lastCleanup = now
	return true
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	abs, err := filepath.Abs(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("dedupe: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("dedupe: open sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	if err := configureConnection(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) recoverDatabase(ctx context.Context) (*sql.DB, error) {
	abs, err := filepath.Abs(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve path: %w", err)
	}
	for _, name := range []string{abs, abs + "-wal", abs + "-shm", abs + "-journal"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dedupe: remove %s: %w", filepath.Base(name), err)
		}
	}
	return s.open(ctx)
}

func configureConnection(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("dedupe: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func verify(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("dedupe: quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("dedupe: quick_check reported %q", result)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("dedupe: read schema version: %w", err)
	}

	if version != schemaVersion {
		if version != 0 {
			s.logger.Info("dedupe schema version changed, dropping cached entries",
				slog.Int("from", version),
				slog.Int("to", schemaVersion))
		}
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS mesh_seen_packets"); err != nil {
			return fmt.Errorf("dedupe: drop table: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS mesh_seen_packets (
            packet_type TEXT NOT NULL,
            sender_node_id INTEGER NOT NULL,
            packet_id INTEGER NOT NULL,
            channel_index INTEGER NOT NULL DEFAULT -1,
            received_at INTEGER NOT NULL,
            PRIMARY KEY (packet_type, sender_node_id, packet_id, channel_index)
        )`,
		"CREATE INDEX IF NOT EXISTS idx_mesh_seen_packets_received_at ON mesh_seen_packets(received_at)",
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dedupe: migrate: %w", err)
		}
	}
	return nil
}

func deleteOlderThan(ctx context.Context, db *sql.DB, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM mesh_seen_packets WHERE received_at <= ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dedupe: delete stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dedupe: rows affected: %w", err)
	}
	return int(n), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
