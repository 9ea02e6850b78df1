package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/store"
)

func main() {
	plain := flag.Bool("plain", false, "skip TimescaleDB steps (plain Postgres)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, cfg.PostgresURL())
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	fmt.Println("\n── Step 1: Tables and indexes ──────────────────")
	runSteps(ctx, conn, store.SchemaSteps)

	if !*plain {
		fmt.Println("\n── Step 2: TimescaleDB ─────────────────────────")
		runSteps(ctx, conn, store.TimescaleSteps)
	}

	fmt.Println("\n── Step 3: Verification ────────────────────────")
	verify(ctx, conn, !*plain)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_vehicles")
}

func runSteps(ctx context.Context, conn *pgx.Conn, steps []store.SchemaStep) {
	for _, step := range steps {
		if err := store.Migrate(ctx, conn, []store.SchemaStep{step}); err != nil {
			log.Fatalf("FAILED: %v", err)
		}
		fmt.Printf("  ✓ %s\n", step.Label)
	}
}

func verify(ctx context.Context, conn *pgx.Conn, hypertable bool) {
	tables := []string{"fleets", "vehicles", "alert_types", "vehicle_telemetry", "vehicle_alerts"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	if hypertable {
		var name string
		err := conn.QueryRow(ctx, `
			SELECT hypertable_name
			FROM timescaledb_information.hypertables
			WHERE hypertable_name = 'vehicle_telemetry'
		`).Scan(&name)
		if err != nil {
			log.Fatalf("vehicle_telemetry is not a hypertable: %v", err)
		}
		fmt.Printf("  ✓ hypertable: %s\n", name)
	}
}
