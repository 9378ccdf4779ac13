package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type pendingRecord struct {
	streamID uint16
	ts       float64
	payload  []byte
}

// pending records beyond this many batches are dropped, oldest first,
// while the database keeps failing
const maxPendingBatches = 50

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []pendingRecord
	closed        bool
	flushTicker   *time.Ticker
	wake          chan struct{}
	flushRequests chan chan error
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewRepository opens the sqlite archive. Appends only buffer; a single
// flusher goroutine writes one transaction per batch, either when
// BatchSize records are pending or every BatchTimeout.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Telemetry archive initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]pendingRecord, 0, cfg.BatchSize),
		wake:          make(chan struct{}, 1),
		flushRequests: make(chan chan error),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
	}
	go repo.flusher()

	return repo, nil
}

// Append buffers one record. It never touches the database, so it is
// safe to call from the control loop.
func (r *repository) Append(streamID uint16, ts float64, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, pendingRecord{
		streamID: streamID,
		ts:       ts,
		payload:  append([]byte(nil), payload...),
	})

	if len(r.buffer) >= r.cfg.BatchSize {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}

	return nil
}

// Query waits for pending records to be written and calls fn for every
// stored record of the stream in [from, to], oldest first.
func (r *repository) Query(ctx context.Context, streamID uint16, from, to float64, fn func(float64, []byte) error) error {
	errFactory := errors.New()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errFactory.New(ErrClosed)
	}

	done := make(chan error, 1)
	select {
	case r.flushRequests <- done:
	case <-r.shutdownChan:
		return errFactory.New(ErrClosed)
	case <-ctx.Done():
		return errFactory.Wrap(ErrQueryFailed, ctx.Err())
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return errFactory.Wrap(ErrQueryFailed, ctx.Err())
	}

	rows, err := r.db.QueryContext(ctx, queryRecordsSQL, int64(streamID), from, to)
	if err != nil {
		return errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts      float64
			payload []byte
		)
		if err := rows.Scan(&ts, &payload); err != nil {
			return errFactory.Wrap(ErrQueryFailed, err)
		}
		if err := fn(ts, payload); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return errFactory.Wrap(ErrQueryFailed, err)
	}

	return nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	// the flusher writes what is left before it exits
	<-r.flushDoneChan

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Telemetry archive closed")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	var tick <-chan time.Time
	if r.flushTicker != nil {
		tick = r.flushTicker.C
	}

	for {
		select {
		case <-tick:
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic archive flush failed")
			}
		case <-r.wake:
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Archive batch flush failed")
			}
		case done := <-r.flushRequests:
			done <- r.flush()
		case <-r.shutdownChan:
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to flush archive on close")
			}
			return
		}
	}
}

// flush takes the buffer and writes it in one transaction. Only the
// flusher goroutine calls it, so writes never overlap and r.mu is held
// just for the swap.
func (r *repository) flush() error {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = make([]pendingRecord, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := r.write(batch); err != nil {
		r.requeue(batch)
		return err
	}

	r.logger.Debug().Int("records", len(batch)).Msg("Flushed telemetry to archive")

	return nil
}

func (r *repository) requeue(batch []pendingRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(batch, r.buffer...)

	limit := maxPendingBatches * max(r.cfg.BatchSize, 1)
	if over := len(r.buffer) - limit; over > 0 {
		r.buffer = r.buffer[over:]
		r.logger.Warn().Int("dropped", over).Msg("Archive backlog full, dropping oldest records")
	}
}

func (r *repository) write(batch []pendingRecord) error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertRecordSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.Exec(int64(rec.streamID), rec.ts, rec.payload); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	return nil
}
