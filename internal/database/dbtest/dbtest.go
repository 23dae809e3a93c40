// Package dbtest provides an in-memory SQLite database with the checkout
// schema for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-checkout/internal/database"
	"ms-checkout/internal/models"
)

// New returns a fresh database. A single connection serialises all access,
// so concurrent tests exercise the conditional statements one at a time.
func New(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := database.CreateSchema(context.Background(), db); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// SeedEvent inserts an event with the given id.
func SeedEvent(t *testing.T, db bun.IDB, id string) *models.Event {
	t.Helper()
	event := &models.Event{ID: id, Name: "Event " + id, StartsAt: time.Now().UTC().Add(30 * 24 * time.Hour), CreatedAt: time.Now().UTC()}
	if _, err := db.NewInsert().Model(event).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed event: %v", err)
	}
	return event
}

// SeedTicketType inserts an active ticket type with the full quantity available
// and per-order bounds of 1..10.
func SeedTicketType(t *testing.T, db bun.IDB, id, eventID string, quantity int, price string) *models.TicketType {
	t.Helper()
	tt := &models.TicketType{
		ID:          id,
		EventID:     eventID,
		Name:        "General Admission",
		Price:       decimal.RequireFromString(price),
		Quantity:    quantity,
		Available:   quantity,
		MinPerOrder: 1,
		MaxPerOrder: 10,
		Active:      true,
	}
	if _, err := db.NewInsert().Model(tt).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed ticket type: %v", err)
	}
	return tt
}
