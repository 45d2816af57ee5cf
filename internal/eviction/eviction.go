// Package eviction bounds the persistent image store by record age and
// record count.
package eviction

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/store"
)

const (
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultMaxRecords = 2000
)

// Reason labels why a record was evicted.
type Reason string

const (
	ReasonAge  Reason = "age"
	ReasonSize Reason = "size"
)

// Policy enforces MaxAge and MaxRecords over a store.
type Policy struct {
	MaxAge     time.Duration
	MaxRecords int
	// OnEvict, when set, is called once per successfully deleted record.
	OnEvict func(url string, reason Reason)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Aged    int
	Trimmed int
	Failed  int
}

// NewPolicy returns a policy with defaults applied for zero values.
func NewPolicy(maxAge time.Duration, maxRecords int) *Policy {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Policy{MaxAge: maxAge, MaxRecords: maxRecords}
}

// Sweep deletes records older than MaxAge, then the oldest records beyond
// MaxRecords. Individual delete failures are logged and counted; only a
// failure to list the store aborts the sweep.
func (p *Policy) Sweep(ctx context.Context, s store.Store, now time.Time) (SweepResult, error) {
	var res SweepResult

	recs, err := s.ListByAge(ctx)
	if err != nil {
		return res, err
	}

	// recs is oldest first, so expired records form a prefix. Records whose
	// delete failed are still in the store and still count toward the bound.
	expired := 0
	for expired < len(recs) && now.Sub(recs[expired].StoredAt) > p.MaxAge {
		if p.delete(ctx, s, recs[expired].URL, ReasonAge) {
			res.Aged++
		} else {
			res.Failed++
		}
		expired++
	}

	trimmed, failed := p.trimOldest(ctx, s, recs[expired:], res.Failed)
	res.Trimmed += trimmed
	res.Failed += failed

	if res.Aged > 0 || res.Trimmed > 0 || res.Failed > 0 {
		logging.Info("image store sweep finished",
			zap.Int("aged", res.Aged),
			zap.Int("trimmed", res.Trimmed),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", len(recs)-res.Aged-res.Trimmed),
		)
	}
	return res, nil
}

// Trim runs only the size bound. It is cheap when the store is within
// bounds: a single Count.
func (p *Policy) Trim(ctx context.Context, s store.Store) (SweepResult, error) {
	var res SweepResult

	n, err := s.Count(ctx)
	if err != nil {
		return res, err
	}
	if n <= p.MaxRecords {
		return res, nil
	}

	recs, err := s.ListByAge(ctx)
	if err != nil {
		return res, err
	}
	res.Trimmed, res.Failed = p.trimOldest(ctx, s, recs, 0)
	return res, nil
}

// trimOldest deletes the oldest of recs until the store is back to
// MaxRecords. pinned counts records that remain in the store but are not
// in recs.
func (p *Policy) trimOldest(ctx context.Context, s store.Store, recs []store.Record, pinned int) (trimmed, failed int) {
	excess := len(recs) + pinned - p.MaxRecords
	if excess > len(recs) {
		excess = len(recs)
	}
	for i := 0; i < excess; i++ {
		if p.delete(ctx, s, recs[i].URL, ReasonSize) {
			trimmed++
		} else {
			failed++
		}
	}
	return trimmed, failed
}

func (p *Policy) delete(ctx context.Context, s store.Store, url string, reason Reason) bool {
	if err := s.Delete(ctx, url); err != nil {
		logging.Warn("image store eviction failed",
			zap.String("url", url),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return false
	}
	if p.OnEvict != nil {
		p.OnEvict(url, reason)
	}
	return true
}
