// Package sequence allocates human readable identifiers from atomic counters.
//
// Custom ids look like PR-20250101-001 (prefix by request type, calendar day,
// per type and day counter). PO numbers look like PO-2025-0001 (per year
// counter). A counter is seeded from the number of rows that already exist
// the first time its scope is used, so the first allocation is count + 1.
package sequence

import (
	"context"
	"fmt"
	"time"

	"request-portal/internal/model"
)

// SeedFunc returns the value a fresh counter starts from.
type SeedFunc func(ctx context.Context) (int64, error)

// Scope names a counter. TTL is a hint for stores that can expire keys.
type Scope struct {
	Key string
	TTL time.Duration
}

// Counter increments a named counter and returns the new value.
type Counter interface {
	Next(ctx context.Context, scope Scope, seed SeedFunc) (int64, error)
}

// Counts supplies seed values from the request store.
type Counts interface {
	CountByTypeAndDay(ctx context.Context, requestType string, day time.Time) (int64, error)
	CountPOsByYear(ctx context.Context, year int) (int64, error)
}

var prefixes = map[string]string{
	model.RequestTypePurchase:    "PR",
	model.RequestTypeMaintenance: "MR",
	model.RequestTypeITTicket:    "SR",
}

// Prefix returns the custom id prefix for a request type.
func Prefix(requestType string) (string, bool) {
	p, ok := prefixes[requestType]
	return p, ok
}

// Generator formats identifiers from counter values.
type Generator struct {
	counter Counter
	counts  Counts
}

func NewGenerator(counter Counter, counts Counts) *Generator {
	return &Generator{counter: counter, counts: counts}
}

// NextCustomID allocates the next custom id for requestType on the day of now.
func (g *Generator) NextCustomID(ctx context.Context, requestType string, now time.Time) (string, error) {
	prefix, ok := Prefix(requestType)
	if !ok {
		return "", fmt.Errorf("unknown request type %q", requestType)
	}
	day := now.Format("20060102")
	scope := Scope{Key: "request:" + requestType + ":" + day, TTL: 72 * time.Hour}
	seq, err := g.counter.Next(ctx, scope, func(ctx context.Context) (int64, error) {
		return g.counts.CountByTypeAndDay(ctx, requestType, now)
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate custom id: %w", err)
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, day, seq), nil
}

// NextPONumber allocates the next purchase order number for the year of now.
func (g *Generator) NextPONumber(ctx context.Context, now time.Time) (string, error) {
	year := now.Year()
	scope := Scope{Key: fmt.Sprintf("po:%d", year), TTL: 400 * 24 * time.Hour}
	seq, err := g.counter.Next(ctx, scope, func(ctx context.Context) (int64, error) {
		return g.counts.CountPOsByYear(ctx, year)
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate PO number: %w", err)
	}
	return fmt.Sprintf("PO-%d-%04d", year, seq), nil
}
