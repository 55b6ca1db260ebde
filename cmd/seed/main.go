// seed inserts a handful of named schedules and their first few slots into
// the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/engine"
	"github.com/voronovm/workplanner/internal/postgres"
)

type scheduleSpec struct {
	name     string
	interval time.Duration
	slots    int
}

var schedules = []scheduleSpec{
	{"hourly-report", time.Hour, 5},
	{"five-minute-sync", 5 * time.Minute, 10},
	{"nightly-rollup", 24 * time.Hour, 3},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := postgres.NewWorkplanRepository(pool)
	eng := engine.New(store)

	start := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)

	var created, skipped int
	for _, spec := range schedules {
		for i := 0; i < spec.slots; i++ {
			wt := start.Add(time.Duration(i+1) * spec.interval)
			rows, err := eng.CreateByWorktimes(ctx, spec.name, []time.Time{wt}, nil)
			if errors.Is(err, domain.ErrWorkplanConflict) {
				skipped++
				continue
			}
			if err != nil {
				log.Fatalf("seed %s: %v", spec.name, err)
			}
			created += len(rows)
		}
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Schedules seeded: %d\n", len(schedules))
	fmt.Printf("  Workplans created: %d  (skipped %d already existing)\n", created, skipped)
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  curl -s -X POST http://localhost:8080/workplans/query \\")
	fmt.Println(`    -d '{"name":"hourly-report","limit":10}'`)
	fmt.Println()
	fmt.Println("  curl -s http://localhost:8080/workplans/hourly-report/execute")
}
