// Package store is the optional SQLite persistence layer of spec §4.6/§6:
// one row per VmRecord, upserted as the dispatcher publishes events. Failure
// to persist is logged but never rolled back — the live dispatcher is
// always the authoritative state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"feos/pkg/ids"
	"feos/pkg/models"
)

const createVmsTable = `
CREATE TABLE IF NOT EXISTS vms (
	id         BLOB PRIMARY KEY,
	record     JSON NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store persists VmRecords to a SQLite database, grounded on the same
// schema/pragma shape as every other pack repo's sqlite store.
type Store struct {
	db *sql.DB
}

// Open opens dsn (a "sqlite:" URL or bare file path) and ensures the vms
// table exists.
func Open(dsn string) (*Store, error) {
	path := dsn
	if len(dsn) > 7 && dsn[:7] == "sqlite:" {
		path = dsn[7:]
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vm database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createVmsTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("create vms table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes record under id, replacing any prior row.
func (s *Store) Upsert(ctx context.Context, id ids.WorkloadId, record *models.VmRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal vm record: %w", err)
	}

	idBytes := uuid.UUID(id)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vms (id, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		idBytes[:], string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert vm record: %w", err)
	}

	return nil
}

// Remove deletes id's row, if present. Idempotent.
func (s *Store) Remove(ctx context.Context, id ids.WorkloadId) error {
	idBytes := uuid.UUID(id)

	_, err := s.db.ExecContext(ctx, "DELETE FROM vms WHERE id = ?", idBytes[:])
	if err != nil {
		return fmt.Errorf("remove vm record: %w", err)
	}

	return nil
}

// LoadAll returns every persisted VmRecord, keyed by id, for startup
// repopulation (spec §6: "the dispatcher pool re-populates in-memory
// records from the table").
func (s *Store) LoadAll(ctx context.Context) (map[ids.WorkloadId]*models.VmRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, record FROM vms")
	if err != nil {
		return nil, fmt.Errorf("list vm records: %w", err)
	}
	defer rows.Close()

	out := make(map[ids.WorkloadId]*models.VmRecord)

	for rows.Next() {
		var idBytes []byte

		var body string

		if err := rows.Scan(&idBytes, &body); err != nil {
			return nil, fmt.Errorf("scan vm record: %w", err)
		}

		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return nil, fmt.Errorf("decode vm id: %w", err)
		}

		var record models.VmRecord
		if err := json.Unmarshal([]byte(body), &record); err != nil {
			return nil, fmt.Errorf("unmarshal vm record: %w", err)
		}

		out[ids.WorkloadId(id)] = &record
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vm records: %w", err)
	}

	return out, nil
}

// recordGetter fetches the dispatcher's current snapshot for id, the way
// dispatcher.Dispatcher.SubmitVm(..., VmCmdGet) does; kept as an interface
// so Run doesn't import pkg/dispatcher directly and create a cycle.
type recordGetter interface {
	GetVmRecord(ctx context.Context, id ids.WorkloadId) (*models.VmRecord, error)
}

// Run drains sub, upserting the owning VM's current record on every VM
// lifecycle event, and removing the row on EventVmDeleted. It returns when
// sub is closed or ctx is done. Persistence failures are logged, never
// propagated: the live dispatcher stays authoritative regardless (spec
// §4.6).
func (s *Store) Run(ctx context.Context, sub <-chan models.Event, dispatcher recordGetter, logger logrus.FieldLogger) {
	for {
		select {
		case evt, open := <-sub:
			if !open {
				return
			}

			if !isVmEvent(evt.Kind) {
				continue
			}

			if evt.Kind == models.EventVmDeleted {
				if err := s.Remove(ctx, evt.WorkloadID); err != nil {
					logger.WithError(err).Warn("removing deleted vm record")
				}

				continue
			}

			record, err := dispatcher.GetVmRecord(ctx, evt.WorkloadID)
			if err != nil {
				logger.WithError(err).Warn("fetching vm record for persistence")

				continue
			}

			if err := s.Upsert(ctx, evt.WorkloadID, record); err != nil {
				logger.WithError(err).Warn("persisting vm record")
			}

		case <-ctx.Done():
			return
		}
	}
}

func isVmEvent(kind models.EventKind) bool {
	switch kind {
	case models.EventVmCreated, models.EventVmBooted, models.EventVmStopped, models.EventVmFailed, models.EventVmDeleted:
		return true
	default:
		return false
	}
}
