package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type SchemaStep struct {
	Label string
	SQL   string
}

// SchemaSteps creates every table the service reads or writes. Fleets,
// vehicles and alert types are owned by the entity management service; they
// are created here so a fresh database is usable.
var SchemaSteps = []SchemaStep{
	{
		Label: "fleets table",
		SQL: `
		CREATE TABLE IF NOT EXISTS fleets (
			id    BIGSERIAL PRIMARY KEY,
			name  TEXT      NOT NULL
		);`,
	},
	{
		Label: "vehicles table",
		SQL: `
		CREATE TABLE IF NOT EXISTS vehicles (
			vin          BIGINT  PRIMARY KEY,
			fleet_id     BIGINT  NOT NULL REFERENCES fleets (id),
			-- bcrypt hash of the vehicle's shared secret
			secret_hash  BYTEA   NOT NULL,
			reg_status   TEXT    NOT NULL DEFAULT 'active',

			CONSTRAINT chk_reg_status CHECK (
				reg_status IN ('active', 'maintenance', 'decommissioned')
			)
		);`,
	},
	{
		Label: "alert_types table",
		SQL: `
		CREATE TABLE IF NOT EXISTS alert_types (
			id           BIGINT PRIMARY KEY,
			title        TEXT   NOT NULL,
			description  TEXT   NOT NULL DEFAULT ''
		);`,
	},
	{
		Label: "vehicle_telemetry table",
		SQL: `
		CREATE TABLE IF NOT EXISTS vehicle_telemetry (
			id               BIGINT           GENERATED BY DEFAULT AS IDENTITY,

			-- Vehicle clock; together with vin this is the natural key
			timestamp        TIMESTAMPTZ      NOT NULL,
			received_at      TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			vin              BIGINT           NOT NULL REFERENCES vehicles (vin),
			fleet_id         BIGINT           NOT NULL,

			latitude         DOUBLE PRECISION NOT NULL,
			longitude        DOUBLE PRECISION NOT NULL,
			speed            DOUBLE PRECISION NOT NULL DEFAULT 0,
			fuel             DOUBLE PRECISION NOT NULL DEFAULT 0,
			odometer         DOUBLE PRECISION NOT NULL DEFAULT 0,
			engine_status    TEXT             NOT NULL,
			diagnostic_code  INTEGER          NOT NULL DEFAULT 0,

			PRIMARY KEY (vin, timestamp),

			CONSTRAINT chk_engine_status CHECK (
				engine_status IN ('on', 'off', 'idle')
			),
			CONSTRAINT chk_fuel CHECK (fuel >= 0 AND fuel <= 1)
		);`,
	},
	{
		Label: "vehicle_alerts table",
		SQL: `
		CREATE TABLE IF NOT EXISTS vehicle_alerts (
			id                 BIGSERIAL        PRIMARY KEY,
			vin                BIGINT           NOT NULL REFERENCES vehicles (vin),
			fleet_id           BIGINT           NOT NULL,
			alert_type_id      BIGINT           NOT NULL REFERENCES alert_types (id),
			rule               TEXT             NOT NULL,
			triggered_value    DOUBLE PRECISION,
			reading_timestamp  TIMESTAMPTZ      NOT NULL,
			created_at         TIMESTAMPTZ      NOT NULL DEFAULT NOW()
		);`,
	},
	{
		Label: "idx_telemetry_id",
		SQL:   `CREATE INDEX IF NOT EXISTS idx_telemetry_id ON vehicle_telemetry (id);`,
	},
	{
		Label: "idx_telemetry_vin_time",
		SQL:   `CREATE INDEX IF NOT EXISTS idx_telemetry_vin_time ON vehicle_telemetry (vin, timestamp DESC);`,
	},
	{
		Label: "idx_vehicles_fleet",
		SQL:   `CREATE INDEX IF NOT EXISTS idx_vehicles_fleet ON vehicles (fleet_id);`,
	},
	{
		Label: "idx_alerts_vin",
		SQL:   `CREATE INDEX IF NOT EXISTS idx_alerts_vin ON vehicle_alerts (vin, created_at DESC);`,
	},
}

// TimescaleSteps turn vehicle_telemetry into a hypertable. They are optional
// so the schema also runs on plain Postgres.
var TimescaleSteps = []SchemaStep{
	{
		Label: "timescaledb extension",
		SQL:   `CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;`,
	},
	{
		Label: "vehicle_telemetry hypertable",
		SQL:   `SELECT create_hypertable('vehicle_telemetry', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE);`,
	},
}

func Migrate(ctx context.Context, db Execer, steps []SchemaStep) error {
	for _, step := range steps {
		if _, err := db.Exec(ctx, step.SQL); err != nil {
			return fmt.Errorf("schema step %q failed: %w", step.Label, err)
		}
	}
	return nil
}
