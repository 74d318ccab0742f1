// Package reply applies inbound message signals to campaign progress.
package reply

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-campaign-engine/internal/telemetry"
	"whatsapp-campaign-engine/internal/transport"
)

// Store is the persistence surface the observer needs.
type Store interface {
	MarkReplied(ctx context.Context, tenant, phone string, at time.Time) (int64, error)
}

// Observer flags contacts as replied across every active campaign that
// enrolls them. It never sends anything itself; conditions consume the flag
// at the next step evaluation.
type Observer struct {
	store Store
	log   zerolog.Logger

	defaultCountryCode string
	now                func() time.Time
}

// New constructs an observer.
func New(st Store, log zerolog.Logger, defaultCountryCode string) *Observer {
	return &Observer{
		store:              st,
		log:                log.With().Str("component", "reply").Logger(),
		defaultCountryCode: defaultCountryCode,
		now:                time.Now,
	}
}

// Observe records that a phone number sent an inbound message at the given
// instant; a zero instant falls back to the observer's clock. Unknown numbers
// are ignored; a number enrolled in several active campaigns is flagged in
// all of them.
func (o *Observer) Observe(ctx context.Context, tenant, phone string, at time.Time) (int64, error) {
	if at.IsZero() {
		at = o.now()
	}
	normalized := transport.NormalizePhone(phone, o.defaultCountryCode)
	updated, err := o.store.MarkReplied(ctx, tenant, normalized, at)
	if err != nil {
		o.log.Error().Err(err).Str("tenant", tenant).Msg("mark replied failed")
		return 0, err
	}
	if updated > 0 {
		telemetry.RepliesObserved.Inc()
		o.log.Info().Str("tenant", tenant).Int64("records", updated).Msg("reply observed")
	}
	return updated, nil
}
