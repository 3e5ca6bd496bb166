// Command seed loads a small development dataset: purchase documents, an
// opening count and one purchase receipt per variation and location.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/app"
	"github.com/stockline/stockline/internal/ledger"
)

const (
	seedBusiness = 1
	seedActor    = 1
)

var (
	seedLocations  = []int64{1, 2}
	seedVariations = []struct {
		id      int64
		opening int64
		receipt int64
	}{
		{id: 101, opening: 40, receipt: 10},
		{id: 102, opening: 12, receipt: 24},
		{id: 103, opening: 3, receipt: 5},
		{id: 104, opening: 75, receipt: 0},
	}
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	services, err := app.NewServices(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init services: %v", err)
	}
	defer services.Close(logger)

	fmt.Println("→ Seeding documents...")
	purchaseID, countIDs, err := seedDocuments(ctx, services.Pool)
	if err != nil {
		log.Fatalf("seed documents: %v", err)
	}

	fmt.Println("→ Seeding ledger...")
	n, err := seedLedger(ctx, services.Ledger, purchaseID, countIDs)
	if err != nil {
		log.Fatalf("seed ledger: %v", err)
	}

	fmt.Printf("✓ Seed complete at %s (%d entries)\n", time.Now().Format(time.RFC3339), n)
}

func seedDocuments(ctx context.Context, pool *pgxpool.Pool) (int64, map[int64]int64, error) {
	var purchaseID int64
	err := pool.QueryRow(ctx, `SELECT id FROM purchases WHERE business_id=$1 ORDER BY id LIMIT 1`, seedBusiness).Scan(&purchaseID)
	if err != nil {
		if err := pool.QueryRow(ctx, `INSERT INTO purchases (business_id) VALUES ($1) RETURNING id`, seedBusiness).Scan(&purchaseID); err != nil {
			return 0, nil, fmt.Errorf("insert purchase: %w", err)
		}
	}
	counts := make(map[int64]int64, len(seedLocations))
	for _, loc := range seedLocations {
		var id int64
		err := pool.QueryRow(ctx, `SELECT id FROM stock_counts WHERE business_id=$1 AND location_id=$2 ORDER BY id LIMIT 1`,
			seedBusiness, loc).Scan(&id)
		if err != nil {
			if err := pool.QueryRow(ctx, `INSERT INTO stock_counts (business_id, location_id) VALUES ($1, $2) RETURNING id`,
				seedBusiness, loc).Scan(&id); err != nil {
				return 0, nil, fmt.Errorf("insert stock count: %w", err)
			}
		}
		counts[loc] = id
	}
	return purchaseID, counts, nil
}

// seedLedger appends through the ledger service so balances and the cache
// stay consistent. Idempotency keys make reruns a no-op.
func seedLedger(ctx context.Context, svc *ledger.Service, purchaseID int64, countIDs map[int64]int64) (int, error) {
	occurred := time.Now().UTC().Add(-24 * time.Hour)
	appended := 0
	for _, loc := range seedLocations {
		for _, v := range seedVariations {
			key := ledger.Key{VariationID: v.id, LocationID: loc}
			inputs := []ledger.EntryInput{{
				BusinessID:     seedBusiness,
				Key:            key,
				Type:           ledger.TypeOpeningStock,
				QtyChange:      decimal.NewFromInt(v.opening),
				Reference:      ledger.Reference{Type: ledger.RefStockCount, ID: countIDs[loc]},
				OccurredAt:     occurred,
				ActorID:        seedActor,
				Note:           "seed opening stock",
				IdempotencyKey: fmt.Sprintf("seed:opening:%d:%d", v.id, loc),
			}}
			if v.receipt > 0 {
				inputs = append(inputs, ledger.EntryInput{
					BusinessID:     seedBusiness,
					Key:            key,
					Type:           ledger.TypePurchase,
					QtyChange:      decimal.NewFromInt(v.receipt),
					Reference:      ledger.Reference{Type: ledger.RefPurchase, ID: purchaseID},
					OccurredAt:     occurred.Add(time.Hour),
					ActorID:        seedActor,
					Note:           "seed receipt",
					IdempotencyKey: fmt.Sprintf("seed:receipt:%d:%d", v.id, loc),
				})
			}
			entries, err := svc.AppendBatch(ctx, inputs)
			if errors.Is(err, ledger.ErrDuplicateRequest) {
				continue
			}
			if err != nil {
				return appended, fmt.Errorf("variation %d at location %d: %w", v.id, loc, err)
			}
			appended += len(entries)
		}
	}
	return appended, nil
}
