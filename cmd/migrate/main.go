package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/config"
	"ms-checkout/internal/database"
	"ms-checkout/internal/database/migrations"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
)

// --- Main ---

func main() {
	cfg := config.Load()
	log := logger.NewWriterLogger(os.Stdout)
	ctx := context.Background()

	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	if os.Getenv("SEED_RESET") == "true" {
		log.Info("SEED", "Dropping tables...")
		if err := dropTables(ctx, cfg.Database, db, log); err != nil {
			log.Fatal("SEED", err.Error())
		}
	}

	log.Info("SEED", "Creating tables...")
	if err := createTables(ctx, cfg.Database, db, log); err != nil {
		log.Fatal("SEED", err.Error())
	}

	log.Info("SEED", "Seeding sample data...")
	if err := seedData(ctx, db); err != nil {
		log.Fatal("SEED", err.Error())
	}

	if cfg.Auth.Mode == auth.ModeJWT && cfg.Auth.JWTSecret != "" {
		token, err := auth.IssueHMACToken("user001", cfg.Auth.JWTSecret, 24*time.Hour)
		if err != nil {
			log.Fatal("AUTH", err.Error())
		}
		fmt.Printf("Development token for user001:\n%s\n", token)
	}

	log.Info("SEED", "Done.")
}

// --- Helper Functions ---

func dropTables(ctx context.Context, cfg config.DatabaseConfig, db *bun.DB, log *logger.Logger) error {
	if cfg.Driver != database.DriverSQLite {
		runner := migrations.NewRunner(db, migrations.MigrateOptions{MigrationsDir: cfg.MigrationsDir}, log)
		defer runner.Close()
		return runner.MigrateDown()
	}

	for i := len(database.Models) - 1; i >= 0; i-- {
		m := database.Models[i]
		if _, err := db.NewDropTable().Model(m).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", m, err)
		}
		log.LogDatabase("DROP", fmt.Sprintf("%T", m), "dropped")
	}
	return nil
}

func createTables(ctx context.Context, cfg config.DatabaseConfig, db *bun.DB, log *logger.Logger) error {
	if cfg.Driver == database.DriverSQLite {
		return database.CreateSchema(ctx, db)
	}
	runner := migrations.NewRunner(db, migrations.MigrateOptions{MigrationsDir: cfg.MigrationsDir, AutoMigrate: true}, log)
	if err := runner.Initialize(); err != nil {
		return err
	}
	defer runner.Close()
	return runner.RunMigrations()
}

func seedData(ctx context.Context, db *bun.DB) error {
	now := time.Now().UTC()

	event := models.Event{
		ID:        "event001",
		Name:      "Summer Fest 2025",
		StartsAt:  now.AddDate(0, 1, 0),
		CreatedAt: now,
	}

	ticketTypes := []models.TicketType{
		{ID: "tt-general", EventID: "event001", Name: "General Admission", Price: decimal.RequireFromString("50.00"),
			Quantity: 500, Available: 500, MinPerOrder: 1, MaxPerOrder: 10, Active: true},
		{ID: "tt-vip", EventID: "event001", Name: "VIP", Price: decimal.RequireFromString("150.00"),
			Quantity: 50, Available: 50, MinPerOrder: 1, MaxPerOrder: 4, Active: true},
	}

	maxUses, perUser := 100, 1
	promos := []models.PromoCode{
		{ID: "promo001", Code: "SUMMER20", DiscountType: models.PERCENTAGE, DiscountValue: decimal.NewFromInt(20),
			MinPurchase: decimal.Zero, MaxUses: &maxUses, MaxUsesPerUser: &perUser,
			ValidFrom: now, ValidUntil: now.AddDate(0, 2, 0), Active: true, CreatedAt: now},
		{ID: "promo002", Code: "TENOFF", DiscountType: models.FIXED, DiscountValue: decimal.NewFromInt(10),
			MinPurchase: decimal.NewFromInt(100), ApplicableEventIDs: []string{"event001"},
			ValidFrom: now, ValidUntil: now.AddDate(0, 2, 0), Active: true, CreatedAt: now},
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&event).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("seed event: %w", err)
		}
		if _, err := tx.NewInsert().Model(&ticketTypes).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("seed ticket types: %w", err)
		}
		if _, err := tx.NewInsert().Model(&promos).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("seed promo codes: %w", err)
		}
		return nil
	})
}
