package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/entity"
)

const expiryLayout = "2006-01-02"

type InstrumentRepository interface {
	FindOptionChain(ctx context.Context, underlyingKey string, expiry time.Time) ([]entity.Instrument, error)
	FindNearestExpiry(ctx context.Context, underlyingKey string, from time.Time) (null.Time, error)
}

// CatalogLoader builds option chains from the instrument repository and keeps
// them per underlying and expiry. Empty chains are not kept, and chains whose
// expiry has passed are evicted whenever a new chain is stored.
type CatalogLoader struct {
	repo     InstrumentRepository
	resolver func(underlying entity.InstrumentKey) OptionKeyResolver
	now      func() time.Time

	mu     sync.Mutex
	chains map[string]*OptionChain
}

func NewCatalogLoader(repo InstrumentRepository, resolver func(underlying entity.InstrumentKey) OptionKeyResolver) *CatalogLoader {
	return &CatalogLoader{
		repo:     repo,
		resolver: resolver,
		now:      time.Now,
		chains:   make(map[string]*OptionChain),
	}
}

func (l *CatalogLoader) LoadOptionChain(ctx context.Context, underlying entity.InstrumentKey, expiry string) (*OptionChain, error) {
	expiryDate, err := l.resolveExpiry(ctx, underlying, expiry)
	if err != nil {
		return nil, err
	}

	cacheKey := underlying.String() + "@" + expiryDate.Format(expiryLayout)

	l.mu.Lock()
	chain, ok := l.chains[cacheKey]
	l.mu.Unlock()
	if ok {
		return chain, nil
	}

	instruments, err := l.repo.FindOptionChain(ctx, underlying.String(), expiryDate)
	if err != nil {
		return nil, fmt.Errorf("load option chain %s: %w", cacheKey, err)
	}

	chain = NewOptionChain(underlying, instruments, l.resolver(underlying))
	if chain.expiry.IsZero() {
		chain.expiry = expiryDate
	}

	if chain.Len() == 0 {
		return chain, nil
	}

	l.mu.Lock()
	l.evictExpiredLocked()
	l.chains[cacheKey] = chain
	l.mu.Unlock()

	return chain, nil
}

func (l *CatalogLoader) evictExpiredLocked() {
	now := l.now()
	for key, chain := range l.chains {
		if expiry := chain.Expiry(); !expiry.IsZero() && expiry.AddDate(0, 0, 1).Before(now) {
			delete(l.chains, key)
		}
	}
}

// Len returns how many chains are cached.
func (l *CatalogLoader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.chains)
}

func (l *CatalogLoader) resolveExpiry(ctx context.Context, underlying entity.InstrumentKey, expiry string) (time.Time, error) {
	if expiry = strings.TrimSpace(expiry); expiry != "" {
		parsed, err := time.Parse(expiryLayout, expiry)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse expiry %q: %w", expiry, err)
		}
		return parsed, nil
	}

	nearest, err := l.repo.FindNearestExpiry(ctx, underlying.String(), l.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("find nearest expiry for %s: %w", underlying, err)
	}
	if !nearest.Valid {
		return time.Time{}, fmt.Errorf("no listed expiry for %s", underlying)
	}

	return nearest.Time, nil
}
