package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/mqtt"
	"github.com/gotnull/meshsync/internal/pipeline"
	_ "modernc.org/sqlite"
)

// Options configures how packets are selected from the source database.
type Options struct {
	StartID          int64
	EndID            int64
	Limit            int
	MaxEnvelopeBytes int
	Logger           *slog.Logger
}

// Result summarises a replay run.
type Result struct {
	Replayed int
	Skipped  int
}

// ReplaySQLite reads archived ServiceEnvelope blobs from packet_history and
// feeds them through decoder and handler as if they had just arrived over MQTT.
// Rows from unsupported topics or above MaxEnvelopeBytes are skipped.
func ReplaySQLite(ctx context.Context, sourcePath string, decoder codec.Decoder, handler pipeline.Handler, opts Options) (Result, error) {
	var res Result
	if sourcePath == "" {
		return res, errors.New("replay: source sqlite path must be provided")
	}
	if decoder == nil {
		return res, errors.New("replay: decoder must not be nil")
	}
	if handler == nil {
		return res, errors.New("replay: handler must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", sourcePath)
	if err != nil {
		return res, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	baseQuery, err := buildPacketQuery(ctx, db)
	if err != nil {
		return res, fmt.Errorf("replay: build packet query: %w", err)
	}

	query, args := buildQuery(baseQuery, opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("replay: query packet_history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			topic     string
			payload   []byte
			qos       sql.NullInt64
			retained  sql.NullInt64
			timestamp sql.NullInt64
		)
		if err := rows.Scan(&id, &topic, &payload, &qos, &retained, &timestamp); err != nil {
			return res, fmt.Errorf("replay: scan row: %w", err)
		}

		if len(payload) == 0 || (opts.MaxEnvelopeBytes > 0 && len(payload) > opts.MaxEnvelopeBytes) {
			res.Skipped++
			continue
		}

		msg := mqtt.Message{
			Topic:    topic,
			Payload:  append([]byte(nil), payload...),
			QoS:      toByte(qos),
			Retained: retained.Valid && retained.Int64 != 0,
			Time:     fromMicro(timestamp),
		}

		packet, err := decoder.Decode(ctx, msg)
		if err != nil {
			if errors.Is(err, codec.ErrUnsupportedTopic) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("replay: decode packet id %d: %w", id, err)
		}

		if err := handler.Handle(ctx, packet); err != nil {
			return res, fmt.Errorf("replay: handle packet id %d: %w", id, err)
		}
		res.Replayed++

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("replay: iterate rows: %w", err)
	}

	logger.Info("replay finished",
		slog.String("source", sourcePath),
		slog.Int("replayed", res.Replayed),
		slog.Int("skipped", res.Skipped))
	return res, nil
}

func buildQuery(base string, opts Options) (string, []any) {
	query := base

	args := make([]any, 0, 3)
	if opts.StartID > 0 {
		query += ` AND id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND id <= ?`
		args = append(args, opts.EndID)
	}

	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return query, args
}

// Older archives lack the qos and retained columns.
func buildPacketQuery(ctx context.Context, db *sql.DB) (string, error) {
	hasQoS, err := tableHasColumn(ctx, db, "packet_history", "qos")
	if err != nil {
		return "", err
	}
	hasRetained, err := tableHasColumn(ctx, db, "packet_history", "retained")
	if err != nil {
		return "", err
	}

	qosExpr := "0"
	if hasQoS {
		qosExpr = "COALESCE(qos, 0)"
	}
	retainedExpr := "0"
	if hasRetained {
		retainedExpr = "COALESCE(retained, 0)"
	}

	return fmt.Sprintf(`SELECT id, topic, raw_service_envelope, %s AS qos, %s AS retained, COALESCE(CAST(timestamp AS INTEGER), 0) AS timestamp FROM packet_history WHERE raw_service_envelope IS NOT NULL`, qosExpr, retainedExpr), nil
}

func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

func toByte(v sql.NullInt64) byte {
	if !v.Valid {
		return 0
	}
	return byte(v.Int64)
}

func fromMicro(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).UTC()
}
