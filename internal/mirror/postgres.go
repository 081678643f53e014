package mirror

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects, pings and creates the mirror tables.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, log: logging.Component("mirror")}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL mirror")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordTransaction applies txn in one Postgres transaction. Recording the
// same revision twice is a no-op.
func (w *PostgresWriter) RecordTransaction(ctx context.Context, database string, txn *txlog.Transaction) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous *string
	if txn.RevisionCounter > 0 {
		prev := txn.PreviousUUID.String()
		previous = &prev
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO _catalog_transactions (database, revision, uuid, previous_uuid, start_timestamp, summary)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (database, revision) DO NOTHING
	`, database, int64(txn.RevisionCounter), txn.UUID.String(), previous, txn.StartTimestamp, txn.Summary())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	ch := ChangeFor(txn)
	if ch.Reset {
		if _, err := tx.Exec(ctx, `DELETE FROM _catalog_files WHERE database = $1`, database); err != nil {
			return fmt.Errorf("reset files: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, p := range ch.Removed {
		batch.Queue(`DELETE FROM _catalog_files WHERE database = $1 AND path = $2`, database, p)
	}
	for _, rec := range ch.Added {
		batch.Queue(`
			INSERT INTO _catalog_files (
				database, path, revision, partition_key, table_name, chunk_id,
				row_count, byte_size, checksum
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (database, path)
			DO UPDATE SET
				revision = EXCLUDED.revision,
				row_count = EXCLUDED.row_count,
				byte_size = EXCLUDED.byte_size,
				checksum = EXCLUDED.checksum,
				created_at = NOW()
		`,
			database, rec.Path, int64(rec.Revision), rec.PartitionKey, rec.TableName, int64(rec.ChunkID),
			int64(rec.RowCount), rec.ByteSize, rec.Checksum,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("apply file changes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	w.log.Debug("mirrored transaction",
		"database", database,
		"revision", txn.RevisionCounter,
		"added", len(ch.Added),
		"removed", len(ch.Removed),
	)
	return nil
}

// LastRevision returns the newest mirrored revision of a database.
func (w *PostgresWriter) LastRevision(ctx context.Context, database string) (uint64, bool, error) {
	var rev int64
	err := w.pool.QueryRow(ctx, `
		SELECT revision FROM _catalog_transactions
		WHERE database = $1
		ORDER BY revision DESC
		LIMIT 1
	`, database).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last revision: %w", err)
	}
	return uint64(rev), true, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
