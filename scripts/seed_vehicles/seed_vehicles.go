package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/config"
)

type seedVehicle struct {
	vin     int64
	fleetID int64
	secret  string
	status  string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, cfg.PostgresURL())
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nRun first: go run ./scripts/init_db", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if err := seedFleets(ctx, tx); err != nil {
			return err
		}
		if err := seedAlertTypes(ctx, tx, cfg); err != nil {
			return err
		}
		return seedVehicles(ctx, tx)
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	fmt.Println("\n✅ Seed data written")
}

func seedFleets(ctx context.Context, tx pgx.Tx) error {
	fmt.Println("\n── Step 1: Fleets ──────────────────────────────")

	fleets := map[int64]string{
		1: "West Coast Fleet",
		2: "East Coast Fleet",
	}
	for id, name := range fleets {
		_, err := tx.Exec(ctx, `
			INSERT INTO fleets (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		`, id, name)
		if err != nil {
			return fmt.Errorf("fleet %d: %w", id, err)
		}
		fmt.Printf("  ✓ fleet %d  %s\n", id, name)
	}
	return nil
}

func seedAlertTypes(ctx context.Context, tx pgx.Tx, cfg *config.Config) error {
	fmt.Println("\n── Step 2: Alert types ─────────────────────────")

	types := []struct {
		id          int64
		title       string
		description string
	}{
		{cfg.SpeedExceededAlertTypeID, "Speed Exceeded", "Vehicle speed is above the limit."},
		{cfg.LowFuelAlertTypeID, "Low Fuel", "Fuel level is critically low."},
	}
	for _, t := range types {
		_, err := tx.Exec(ctx, `
			INSERT INTO alert_types (id, title, description) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description
		`, t.id, t.title, t.description)
		if err != nil {
			return fmt.Errorf("alert type %d: %w", t.id, err)
		}
		fmt.Printf("  ✓ alert type %d  %s\n", t.id, t.title)
	}
	return nil
}

func seedVehicles(ctx context.Context, tx pgx.Tx) error {
	fmt.Println("\n── Step 3: Vehicles ────────────────────────────")

	vehicles := []seedVehicle{
		{vin: 12345, fleetID: 1, secret: "password123", status: "active"},
		{vin: 67890, fleetID: 2, secret: "password456", status: "maintenance"},
	}
	for _, v := range vehicles {
		hash, err := auth.HashSecret(v.secret)
		if err != nil {
			return fmt.Errorf("hash secret for %d: %w", v.vin, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO vehicles (vin, fleet_id, secret_hash, reg_status) VALUES ($1, $2, $3, $4)
			ON CONFLICT (vin) DO UPDATE SET
				fleet_id = EXCLUDED.fleet_id,
				secret_hash = EXCLUDED.secret_hash,
				reg_status = EXCLUDED.reg_status
		`, v.vin, v.fleetID, hash, v.status)
		if err != nil {
			return fmt.Errorf("vehicle %d: %w", v.vin, err)
		}
		fmt.Printf("  ✓ vehicle %-6d fleet %d  %s\n", v.vin, v.fleetID, v.status)
	}
	return nil
}
