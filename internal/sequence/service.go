package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Issuer hands out formatted document numbers.
type Issuer struct {
	store Store
	now   func() time.Time
}

// NewIssuer constructs Issuer.
func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store, now: time.Now}
}

// WithNow overrides the clock, used by tests and by yearly-reset fixtures.
func (i *Issuer) WithNow(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// Next returns the next formatted number for the series.
func (i *Issuer) Next(ctx context.Context, series string) (string, error) {
	s, err := i.store.Increment(ctx, series, i.now().UTC().Year())
	if err != nil {
		return "", err
	}
	return Format(s), nil
}

// NextTx is Next scoped to the caller's transaction. Numbers issued here are
// only observable once the posting commits.
func (i *Issuer) NextTx(ctx context.Context, tx pgx.Tx, series string) (string, error) {
	s, err := i.store.IncrementTx(ctx, tx, series, i.now().UTC().Year())
	if err != nil {
		return "", err
	}
	return Format(s), nil
}

// Format renders the persisted wire format: prefix + zero-padded counter.
func Format(s Series) string {
	return fmt.Sprintf("%s%0*d", s.Prefix, s.Pad, s.Value)
}
