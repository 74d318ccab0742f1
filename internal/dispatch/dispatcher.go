// Package dispatch delivers one step to a resolved recipient set with bounded
// concurrency, recording every outcome in the progress store.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whatsapp-campaign-engine/internal/models"
	"whatsapp-campaign-engine/internal/store"
	"whatsapp-campaign-engine/internal/telemetry"
)

// Sender is the outbound message transport.
type Sender interface {
	Send(ctx context.Context, to string, payload models.Payload) (string, error)
}

// Limiter caps outbound throughput; Wait blocks until a send slot is free.
type Limiter interface {
	Wait(ctx context.Context, key string) (bool, error)
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	EnsureProgress(ctx context.Context, campaignID, contactID string, now time.Time) (models.ProgressRecord, error)
	ClaimSend(ctx context.Context, p store.ClaimParams) (bool, error)
	RecordOutcome(ctx context.Context, campaignID, contactID, dedupKey, outcome string, providerMessageID, sendErr *string, at time.Time) error
	RecordExecution(ctx context.Context, id string, at time.Time, next *time.Time) (int, error)
	SetCampaignStatus(ctx context.Context, id, status string) error
	AppendEvent(ctx context.Context, campaignID, event, detail string) error
}

// Options tunes dispatcher behavior.
type Options struct {
	BatchSize   int
	SendTimeout time.Duration
	DedupWindow time.Duration
}

// Dispatcher sends one step to many recipients in sequential fixed-size
// batches, each batch fanned out in parallel.
type Dispatcher struct {
	store   Store
	sender  Sender
	limiter Limiter
	log     zerolog.Logger

	batchSize   int
	sendTimeout time.Duration
	dedupWindow time.Duration

	now func() time.Time
}

// New constructs a dispatcher. The limiter may be nil.
func New(st Store, sender Sender, limiter Limiter, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		store:       st,
		sender:      sender,
		limiter:     limiter,
		log:         log.With().Str("component", "dispatch").Logger(),
		batchSize:   opts.BatchSize,
		sendTimeout: opts.SendTimeout,
		dedupWindow: opts.DedupWindow,
		now:         time.Now,
	}
}

// Result aggregates per-recipient outcomes of one execution.
type Result struct {
	Sent             int  `json:"sent"`
	Failed           int  `json:"failed"`
	SkippedCondition int  `json:"skipped_condition"`
	SkippedDuplicate int  `json:"skipped_duplicate"`
	LimitReached     bool `json:"limit_reached"`
}

// Execute sends a step to the recipients for the intended occurrence time.
// Per-recipient failures are isolated: a transport error is recorded and
// never aborts the rest of the batch. Returns a non-nil error only for
// storage failures that prevented the campaign bookkeeping.
func (d *Dispatcher) Execute(ctx context.Context, campaign models.Campaign, step models.CampaignStep, recipients []models.Contact, intended time.Time) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)

	for start := 0; start < len(recipients); start += d.batchSize {
		end := start + d.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, contact := range recipients[start:end] {
			contact := contact
			g.Go(func() error {
				outcome := d.sendOne(gctx, campaign, step, contact, intended)
				mu.Lock()
				switch outcome {
				case models.OutcomeSent:
					res.Sent++
				case models.OutcomeFailed:
					res.Failed++
				case outcomeSkipCondition:
					res.SkippedCondition++
				case outcomeSkipDuplicate:
					res.SkippedDuplicate++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	if res.Sent == 0 && res.Failed == 0 {
		// Nothing actually executed: keep the counters untouched.
		return res, nil
	}

	now := d.now()
	count, err := d.store.RecordExecution(ctx, campaign.ID, now, nil)
	if err != nil {
		// The sends are already in history; losing the counter bump is
		// recoverable, losing the trigger would not be.
		d.log.Error().Err(err).Str("campaign", campaign.ID).Msg("record execution failed")
		return res, fmt.Errorf("record execution: %w", err)
	}
	_ = d.store.AppendEvent(ctx, campaign.ID, "batch_executed",
		fmt.Sprintf("step=%s sent=%d failed=%d skipped=%d", step.ID, res.Sent, res.Failed, res.SkippedCondition+res.SkippedDuplicate))

	if campaign.RepeatLimit > 0 && count >= campaign.RepeatLimit {
		res.LimitReached = true
		if err := d.store.SetCampaignStatus(ctx, campaign.ID, models.CampaignCompleted); err != nil {
			d.log.Error().Err(err).Str("campaign", campaign.ID).Msg("complete campaign failed")
		}
		_ = d.store.AppendEvent(ctx, campaign.ID, "completed", fmt.Sprintf("repeat limit %d reached", campaign.RepeatLimit))
	}
	return res, nil
}

// Internal outcomes that never touch the history table.
const (
	outcomeSkipCondition = "skip_condition"
	outcomeSkipDuplicate = "skip_duplicate"
)

func (d *Dispatcher) sendOne(ctx context.Context, campaign models.Campaign, step models.CampaignStep, contact models.Contact, intended time.Time) string {
	log := d.log.With().
		Str("campaign", campaign.ID).
		Str("step", step.ID).
		Str("contact", contact.ID).
		Logger()

	rec, err := d.store.EnsureProgress(ctx, campaign.ID, contact.ID, d.now())
	if err != nil {
		log.Error().Err(err).Msg("ensure progress failed")
		return outcomeSkipDuplicate
	}

	if !models.ConditionSatisfied(step.Condition, rec.HasReplied) {
		telemetry.ConditionSkips.Inc()
		return outcomeSkipCondition
	}

	dedupKey := models.DedupKey(campaign.Cadence, step.Day, step.Sequence, intended)
	claimed, err := d.store.ClaimSend(ctx, store.ClaimParams{
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		StepID:      step.ID,
		Day:         step.Day,
		Sequence:    step.Sequence,
		DedupKey:    dedupKey,
		ScheduledAt: intended,
		Window:      d.dedupWindow,
	})
	if err != nil {
		log.Error().Err(err).Msg("claim send failed")
		return outcomeSkipDuplicate
	}
	if !claimed {
		telemetry.DuplicateSkips.Inc()
		log.Debug().Str("dedup_key", dedupKey).Msg("duplicate send suppressed")
		return outcomeSkipDuplicate
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if d.limiter != nil {
		waited, err := d.limiter.Wait(sendCtx, "send:"+campaign.Tenant)
		if waited {
			telemetry.RateLimitWaits.Inc()
		}
		if err != nil {
			msg := fmt.Sprintf("rate limiter: %v", err)
			d.recordOutcome(ctx, campaign.ID, contact.ID, dedupKey, models.OutcomeFailed, nil, &msg)
			telemetry.SendFailures.Inc()
			return models.OutcomeFailed
		}
	}

	providerID, err := d.sender.Send(sendCtx, contact.Phone, step.Payload)
	if err != nil {
		msg := err.Error()
		d.recordOutcome(ctx, campaign.ID, contact.ID, dedupKey, models.OutcomeFailed, nil, &msg)
		telemetry.SendFailures.Inc()
		log.Warn().Err(err).Msg("send failed")
		return models.OutcomeFailed
	}

	d.recordOutcome(ctx, campaign.ID, contact.ID, dedupKey, models.OutcomeSent, &providerID, nil)
	telemetry.SendsTotal.Inc()
	log.Info().Str("provider_message_id", providerID).Msg("message sent")
	return models.OutcomeSent
}

func (d *Dispatcher) recordOutcome(ctx context.Context, campaignID, contactID, dedupKey, outcome string, providerID, sendErr *string) {
	if err := d.store.RecordOutcome(ctx, campaignID, contactID, dedupKey, outcome, providerID, sendErr, d.now()); err != nil {
		d.log.Error().Err(err).Str("dedup_key", dedupKey).Msg("record outcome failed")
	}
}
