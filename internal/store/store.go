// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

// ErrNotFound is returned when a premise has never been saved.
var ErrNotFound = errors.New("premise state not found")

const schema = `
CREATE TABLE IF NOT EXISTS premise_state (
	premise_id TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (premise_id, quantity)
)`

const upsert = `
INSERT INTO premise_state (premise_id, quantity, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (premise_id, quantity) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// Store persists the restorable quantities of each premise as key-value rows.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}
	logger.Info("State store opened", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes every restorable quantity of state in one transaction. A nil LastReset
// removes the stored reset.
func (s *Store) Save(ctx context.Context, premiseID string, state model.EnergyState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	updatedAt := s.now().UTC().Format(time.RFC3339Nano)
	values := map[model.Quantity]decimal.Decimal{
		model.QuantityPeak:       state.PeakKWh,
		model.QuantityOffpeak:    state.OffpeakKWh,
		model.QuantityTotal:      state.TotalKWh,
		model.QuantityExport:     state.ExportKWh,
		model.QuantityNEMBalance: state.NEMBalanceKWh,
	}
	for q, v := range values {
		if _, err = tx.ExecContext(ctx, upsert, premiseID, string(q), v.String(), updatedAt); err != nil {
			return fmt.Errorf("failed to save %s: %w", q, err)
		}
	}

	if state.LastReset != nil {
		_, err = tx.ExecContext(ctx, upsert, premiseID, string(model.QuantityLastReset),
			state.LastReset.Format(time.RFC3339Nano), updatedAt)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM premise_state WHERE premise_id = ? AND quantity = ?`,
			premiseID, string(model.QuantityLastReset))
	}
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", model.QuantityLastReset, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load returns the raw stored values of a premise.
func (s *Store) Load(ctx context.Context, premiseID string) (map[model.Quantity]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT quantity, value FROM premise_state WHERE premise_id = ?`, premiseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Quantity]string)
	for rows.Next() {
		var q, v string
		if err := rows.Scan(&q, &v); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out[model.Quantity(q)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, premiseID)
	}
	return out, nil
}

// Restore drives the tracker's restoration handshake from stored values. Every restorable
// quantity is registered whether or not a value was stored, so a new premise completes
// restoration with zeroed counters. The last reset travels with the total.
func (s *Store) Restore(ctx context.Context, premiseID string, t *tracker.Tracker) error {
	values, err := s.Load(ctx, premiseID)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Info("No stored state, starting fresh", zap.String("premise_id", premiseID))
		values = map[model.Quantity]string{}
	case err != nil:
		return err
	}

	quantities := t.Mode().RestorableQuantities()
	t.SetExpectedSensorCount(len(quantities))

	for _, q := range quantities {
		if raw, ok := values[q]; ok {
			if v, err := decimal.NewFromString(raw); err != nil {
				s.logger.Warn("Discarding unparseable stored value",
					zap.String("premise_id", premiseID),
					zap.String("quantity", string(q)),
					zap.String("value", raw),
				)
			} else {
				setterFor(t, q)(v)
			}
		}
		if q == model.QuantityTotal {
			s.restoreLastReset(premiseID, t, values)
		}
		t.RegisterSensorRestored()
	}

	s.logger.Info("Premise state restored",
		zap.String("premise_id", premiseID),
		zap.Int("stored_quantities", len(values)),
		zap.Bool("restored", t.IsRestored()),
	)
	return nil
}

func (s *Store) restoreLastReset(premiseID string, t *tracker.Tracker, values map[model.Quantity]string) {
	raw, ok := values[model.QuantityLastReset]
	if !ok {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("Discarding unparseable last reset",
			zap.String("premise_id", premiseID),
			zap.String("value", raw),
		)
		return
	}
	t.SetLastReset(at)
}

func setterFor(t *tracker.Tracker, q model.Quantity) func(decimal.Decimal) {
	switch q {
	case model.QuantityPeak:
		return t.SetPeakKWh
	case model.QuantityOffpeak:
		return t.SetOffpeakKWh
	case model.QuantityTotal:
		return t.SetTotalKWh
	case model.QuantityExport:
		return t.SetExportKWh
	case model.QuantityNEMBalance:
		return t.SetNEMBalanceKWh
	default:
		return func(decimal.Decimal) {}
	}
}
