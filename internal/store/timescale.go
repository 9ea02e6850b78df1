package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
)

const pgUniqueViolation = "23505"

type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func NewTimescaleStoreFromPool(pool *pgxpool.Pool) *TimescaleStore {
	return &TimescaleStore{pool: pool}
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─── Vehicles ───────────────────────────────────────────────

func (s *TimescaleStore) VehicleByVIN(ctx context.Context, vin int64) (*domain.Vehicle, error) {
	var v domain.Vehicle
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT vin, fleet_id, secret_hash, reg_status
		FROM vehicles
		WHERE vin = $1
	`, vin).Scan(&v.VIN, &v.FleetID, &v.SecretHash, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "vehicle %d not found", vin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle %d: %w", vin, err)
	}
	v.Status = domain.RegStatus(status)
	return &v, nil
}

func (s *TimescaleStore) FleetExists(ctx context.Context, fleetID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fleets WHERE id = $1)`, fleetID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query fleet %d: %w", fleetID, err)
	}
	return exists, nil
}

// ─── Readings ───────────────────────────────────────────────

// MergeReading overwrites the mutable fields of the reading stored under the
// same (vin, timestamp). It reports false when there is no such reading.
func (s *TimescaleStore) MergeReading(ctx context.Context, r *domain.Reading) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		UPDATE vehicle_telemetry
		SET latitude        = $3,
			longitude       = $4,
			speed           = $5,
			fuel            = $6,
			odometer        = $7,
			engine_status   = $8,
			diagnostic_code = $9,
			received_at     = $10
		WHERE vin = $1 AND timestamp = $2
		RETURNING id, fleet_id
	`,
		r.VIN,
		r.Timestamp,
		r.Latitude,
		r.Longitude,
		r.Speed,
		r.Fuel,
		r.Odometer,
		string(r.EngineStatus),
		r.DiagnosticCode,
		r.ReceivedAt,
	).Scan(&r.ID, &r.FleetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to merge reading %d@%s: %w", r.VIN, r.Timestamp.Format(time.RFC3339Nano), err)
	}
	return true, nil
}

var alertColumns = []string{
	"vin",
	"fleet_id",
	"alert_type_id",
	"rule",
	"triggered_value",
	"reading_timestamp",
	"created_at",
}

// InsertReading stores a new reading and the alerts derived from it in one
// transaction. A reading already stored under the natural key yields a
// conflict error and nothing is written.
func (s *TimescaleStore) InsertReading(ctx context.Context, r *domain.Reading, alerts []domain.Alert) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO vehicle_telemetry
				(timestamp, received_at, vin, fleet_id, latitude, longitude,
				 speed, fuel, odometer, engine_status, diagnostic_code)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`,
			r.Timestamp,
			r.ReceivedAt,
			r.VIN,
			r.FleetID,
			r.Latitude,
			r.Longitude,
			r.Speed,
			r.Fuel,
			r.Odometer,
			string(r.EngineStatus),
			r.DiagnosticCode,
		).Scan(&r.ID)
		if err != nil {
			return err
		}

		if len(alerts) == 0 {
			return nil
		}

		rows := make([][]interface{}, len(alerts))
		for i, a := range alerts {
			rows[i] = []interface{}{
				a.VIN,
				a.FleetID,
				a.AlertTypeID,
				a.Rule,
				a.Value,
				a.ReadingTimestamp,
				a.CreatedAt,
			}
		}
		_, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{"vehicle_alerts"},
			alertColumns,
			pgx.CopyFromRows(rows),
		)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.Wrap(domain.KindConflict, err, "reading already exists for vin and timestamp")
	}
	if err != nil {
		return fmt.Errorf("failed to insert reading %d@%s: %w", r.VIN, r.Timestamp.Format(time.RFC3339Nano), err)
	}
	return nil
}

// OdometerNeighbors returns the odometer of the closest earlier and later
// readings of the vehicle, nil where none exists.
func (s *TimescaleStore) OdometerNeighbors(ctx context.Context, vin int64, ts time.Time) (*float64, *float64, error) {
	var prev, next *float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT odometer FROM vehicle_telemetry
			 WHERE vin = $1 AND timestamp < $2
			 ORDER BY timestamp DESC LIMIT 1),
			(SELECT odometer FROM vehicle_telemetry
			 WHERE vin = $1 AND timestamp > $2
			 ORDER BY timestamp ASC LIMIT 1)
	`, vin, ts).Scan(&prev, &next)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query odometer neighbours for %d: %w", vin, err)
	}
	return prev, next, nil
}

func (s *TimescaleStore) ReadingByID(ctx context.Context, id int64) (*domain.Reading, error) {
	var r domain.Reading
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, timestamp, received_at, vin, fleet_id, latitude, longitude,
		       speed, fuel, odometer, engine_status, diagnostic_code
		FROM vehicle_telemetry
		WHERE id = $1
	`, id).Scan(
		&r.ID,
		&r.Timestamp,
		&r.ReceivedAt,
		&r.VIN,
		&r.FleetID,
		&r.Latitude,
		&r.Longitude,
		&r.Speed,
		&r.Fuel,
		&r.Odometer,
		&status,
		&r.DiagnosticCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "telemetry %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry %d: %w", id, err)
	}
	r.EngineStatus = domain.EngineStatus(status)
	return &r, nil
}

// ─── Aggregate sources ──────────────────────────────────────

// LatestFuelLevels returns the most recent fuel value of every fleet member
// that has reported at least once.
func (s *TimescaleStore) LatestFuelLevels(ctx context.Context, fleetID int64) ([]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (t.vin) t.fuel
		FROM vehicle_telemetry t
		JOIN vehicles v ON v.vin = t.vin
		WHERE v.fleet_id = $1
		ORDER BY t.vin, t.timestamp DESC
	`, fleetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest fuel for fleet %d: %w", fleetID, err)
	}

	levels, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest fuel for fleet %d: %w", fleetID, err)
	}
	return levels, nil
}

func (s *TimescaleStore) OdometerSpans(ctx context.Context, fleetID int64, cutoff time.Time) ([]domain.OdometerSpan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.vin,
			(SELECT t.odometer FROM vehicle_telemetry t
			 WHERE t.vin = v.vin
			 ORDER BY t.timestamp DESC LIMIT 1) AS latest,
			(SELECT t.odometer FROM vehicle_telemetry t
			 WHERE t.vin = v.vin AND t.timestamp <= $2
			 ORDER BY t.timestamp DESC LIMIT 1) AS baseline
		FROM vehicles v
		WHERE v.fleet_id = $1
	`, fleetID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query odometer spans for fleet %d: %w", fleetID, err)
	}
	defer rows.Close()

	var spans []domain.OdometerSpan
	for rows.Next() {
		var span domain.OdometerSpan
		if err := rows.Scan(&span.VIN, &span.Latest, &span.Baseline); err != nil {
			return nil, fmt.Errorf("failed to scan odometer span: %w", err)
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return spans, nil
}

// ActivityCounts counts distinct vehicles by the engine status of their
// latest reading.
func (s *TimescaleStore) ActivityCounts(ctx context.Context) (domain.ActivityCounts, error) {
	var c domain.ActivityCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE engine_status = 'on'),
			COUNT(*) FILTER (WHERE engine_status <> 'on')
		FROM (
			SELECT DISTINCT ON (vin) vin, engine_status
			FROM vehicle_telemetry
			ORDER BY vin, timestamp DESC
		) latest
	`).Scan(&c.Active, &c.Inactive)
	if err != nil {
		return c, fmt.Errorf("failed to count vehicle activity: %w", err)
	}
	return c, nil
}

// ─── Alerts ─────────────────────────────────────────────────

// ListAlerts returns alerts newest first, for one vehicle when vin > 0.
func (s *TimescaleStore) ListAlerts(ctx context.Context, vin int64, limit int) ([]domain.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, vin, fleet_id, alert_type_id, rule,
		       COALESCE(triggered_value, 0), reading_timestamp, created_at
		FROM vehicle_alerts
		WHERE ($1::bigint = 0 OR vin = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, vin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(
			&a.ID,
			&a.VIN,
			&a.FleetID,
			&a.AlertTypeID,
			&a.Rule,
			&a.Value,
			&a.ReadingTimestamp,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return alerts, nil
}

// AlertSummary counts alerts per alert type id.
func (s *TimescaleStore) AlertSummary(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_type_id, COUNT(*)
		FROM vehicle_alerts
		GROUP BY alert_type_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[int64]int64)
	for rows.Next() {
		var typeID, count int64
		if err := rows.Scan(&typeID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan alert summary: %w", err)
		}
		summary[typeID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return summary, nil
}

func (s *TimescaleStore) AlertTypes(ctx context.Context) ([]domain.AlertType, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, description FROM alert_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert types: %w", err)
	}
	defer rows.Close()

	var types []domain.AlertType
	for rows.Next() {
		var t domain.AlertType
		if err := rows.Scan(&t.ID, &t.Title, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan alert type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return types, nil
}
