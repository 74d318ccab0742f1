package scheduler

import (
	"context"
	"fmt"
	"time"

	"whatsapp-campaign-engine/internal/cadence"
	"whatsapp-campaign-engine/internal/models"
	"whatsapp-campaign-engine/internal/telemetry"
)

// registerRecurring writes the ledger row for one recurring trigger and starts
// its goroutine.
func (s *Scheduler) registerRecurring(ctx context.Context, campaign models.Campaign, tr cadence.Trigger) error {
	job := models.ScheduledJob{
		CampaignID: campaign.ID,
		StepID:     tr.StepID,
		Pattern:    tr.Pattern(),
		Status:     models.JobScheduled,
		ExpiresAt:  s.now().Add(s.jobTTL),
	}
	if err := s.store.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("register trigger: %w", err)
	}

	trigCtx, cancel := context.WithCancel(context.Background())
	at := &activeTrigger{stepID: tr.StepID, pattern: tr.Pattern(), cancel: cancel}
	s.state.Add(campaign.ID, at)
	go s.runRecurring(trigCtx, campaign.ID, tr)
	return nil
}

// registerOneShot writes the ledger row for one per-contact deadline and
// starts its goroutine. A deadline already in the past fires immediately.
func (s *Scheduler) registerOneShot(ctx context.Context, campaign models.Campaign, tr cadence.Trigger) error {
	execAt := tr.ExecuteAt
	job := models.ScheduledJob{
		CampaignID: campaign.ID,
		StepID:     tr.StepID,
		ContactID:  &tr.ContactID,
		Pattern:    tr.Pattern(),
		ExecuteAt:  &execAt,
		Status:     models.JobScheduled,
		ExpiresAt:  s.now().Add(s.jobTTL),
	}
	if err := s.store.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("register deadline: %w", err)
	}

	trigCtx, cancel := context.WithCancel(context.Background())
	at := &activeTrigger{stepID: tr.StepID, contactID: tr.ContactID, pattern: tr.Pattern(), cancel: cancel}
	s.state.Add(campaign.ID, at)
	go s.runOneShot(trigCtx, campaign.ID, tr, at)
	return nil
}

// runRecurring sleeps until each next occurrence and fires it, until the
// trigger is cancelled. An occurrence already due at registration (a restart,
// typically) is still owed: it goes through the normal fire path, which sends
// it while inside the missed window and records it as missed otherwise. The
// claim dedup keeps the catch-up exactly-once when a prior process did send it.
func (s *Scheduler) runRecurring(ctx context.Context, campaignID string, tr cadence.Trigger) {
	if last, ok := tr.Latest(s.now()); ok {
		if !s.fireRecurring(ctx, campaignID, tr, last) {
			return
		}
	}
	for {
		next, ok := tr.Next(s.now())
		if !ok {
			s.log.Warn().Str("campaign", campaignID).Str("step", tr.StepID).Msg("recurring trigger has no next occurrence")
			return
		}
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !s.fireRecurring(ctx, campaignID, tr, next) {
			return
		}
	}
}

// fireRecurring executes one occurrence. Returns false when the trigger loop
// should stop (campaign no longer active or repeat limit reached). An
// occurrence noticed past the missed window is logged and skipped, never sent
// late.
func (s *Scheduler) fireRecurring(ctx context.Context, campaignID string, tr cadence.Trigger, intended time.Time) bool {
	telemetry.TriggersFired.Inc()
	log := s.log.With().Str("campaign", campaignID).Str("step", tr.StepID).Logger()

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Error().Err(err).Msg("load campaign failed, trigger stopped")
		return false
	}
	if campaign.Status != models.CampaignActive {
		return false
	}

	if late := s.now().Sub(intended); late > s.missedWindow {
		_ = s.store.AppendEvent(ctx, campaignID, "missed_window",
			fmt.Sprintf("step=%s intended=%s late=%s", tr.StepID, intended.Format(time.RFC3339), late.Truncate(time.Second)))
		log.Warn().Time("intended", intended).Dur("late", late).Msg("occurrence missed, skipped")
		return true
	}

	step, err := s.store.GetStep(ctx, tr.StepID)
	if err != nil {
		log.Error().Err(err).Msg("load step failed, trigger stopped")
		return false
	}
	recipients, err := s.store.ResolveRecipients(ctx, campaign.Tenant, campaign.SegmentIDs)
	if err != nil {
		log.Error().Err(err).Msg("resolve recipients failed, occurrence skipped")
		return true
	}

	res, err := s.runner.Execute(ctx, campaign, step, recipients, intended)
	if err != nil {
		log.Error().Err(err).Msg("execution bookkeeping failed")
	}
	if cerr := s.store.CompleteJob(ctx, campaignID, tr.StepID, "", tr.Pattern(), s.now()); cerr != nil {
		log.Error().Err(cerr).Msg("touch ledger failed")
	}
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("occurrence executed")

	if res.LimitReached {
		s.state.Drop(campaignID)
		s.syncGauges()
		return false
	}
	return true
}

// runOneShot sleeps until the deadline and fires once. Past deadlines fire
// immediately: a fixed-cadence step stays eligible until it is sent.
func (s *Scheduler) runOneShot(ctx context.Context, campaignID string, tr cadence.Trigger, at *activeTrigger) {
	if wait := tr.ExecuteAt.Sub(s.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	defer func() {
		s.state.Remove(campaignID, at)
		s.syncGauges()
	}()
	s.fireOneShot(ctx, campaignID, tr)
}

// fireOneShot sends one fixed-cadence step to its contact, then settles the
// contact's day and plans the next one if every step of the day is accounted
// for.
func (s *Scheduler) fireOneShot(ctx context.Context, campaignID string, tr cadence.Trigger) {
	telemetry.TriggersFired.Inc()
	log := s.log.With().Str("campaign", campaignID).Str("step", tr.StepID).Str("contact", tr.ContactID).Logger()

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Error().Err(err).Msg("load campaign failed")
		return
	}
	if campaign.Status != models.CampaignActive {
		return
	}
	step, err := s.store.GetStep(ctx, tr.StepID)
	if err != nil {
		log.Error().Err(err).Msg("load step failed")
		return
	}
	rec, err := s.store.GetProgress(ctx, campaignID, tr.ContactID)
	if err != nil {
		log.Error().Err(err).Msg("load progress failed")
		return
	}
	// A stale deadline from before a reschedule must not fire out of order.
	if !rec.Live() || step.Day != rec.CurrentDay {
		_ = s.store.CompleteJob(ctx, campaignID, tr.StepID, tr.ContactID, tr.Pattern(), s.now())
		return
	}

	contact, err := s.store.GetContact(ctx, tr.ContactID)
	if err != nil {
		log.Error().Err(err).Msg("load contact failed")
		return
	}

	if _, err := s.runner.Execute(ctx, campaign, step, []models.Contact{contact}, tr.ExecuteAt); err != nil {
		log.Error().Err(err).Msg("execution bookkeeping failed")
	}
	if err := s.store.CompleteJob(ctx, campaignID, tr.StepID, tr.ContactID, tr.Pattern(), s.now()); err != nil {
		log.Error().Err(err).Msg("complete ledger row failed")
	}

	s.settleDay(ctx, campaign, tr.ContactID)
}

// settleDay advances a contact to the next day once every step of the current
// day is accounted for: either attempted (a history row exists, sent or
// failed) or currently excluded by its condition. Advancement is conditional
// on the stored day so concurrent step firings advance exactly once.
func (s *Scheduler) settleDay(ctx context.Context, campaign models.Campaign, contactID string) {
	log := s.log.With().Str("campaign", campaign.ID).Str("contact", contactID).Logger()

	rec, err := s.store.GetProgress(ctx, campaign.ID, contactID)
	if err != nil {
		log.Error().Err(err).Msg("load progress failed")
		return
	}
	if !rec.Live() {
		return
	}
	steps, err := s.store.ListSteps(ctx, campaign.ID)
	if err != nil {
		log.Error().Err(err).Msg("list steps failed")
		return
	}
	history, err := s.store.ListDayHistory(ctx, campaign.ID, contactID, rec.CurrentDay)
	if err != nil {
		log.Error().Err(err).Msg("list history failed")
		return
	}
	attempted := make(map[int]bool, len(history))
	for _, h := range history {
		attempted[h.Sequence] = true
	}

	settled := true
	for _, st := range steps {
		if st.Day != rec.CurrentDay {
			continue
		}
		if attempted[st.Sequence] {
			continue
		}
		if !models.ConditionSatisfied(st.Condition, rec.HasReplied) {
			continue
		}
		settled = false
		break
	}

	advanced, done := models.AdvanceProgress(rec, settled, campaign.TotalDays, s.now())
	if !settled {
		return
	}
	ok, err := s.store.AdvanceDay(ctx, advanced, rec.CurrentDay)
	if err != nil {
		log.Error().Err(err).Msg("advance day failed")
		return
	}
	if !ok {
		// Another firing advanced the record first.
		return
	}
	if done {
		log.Info().Int("days", campaign.TotalDays).Msg("contact completed campaign")
		return
	}

	// Offset from the day just settled so the new deadlines land tomorrow,
	// not later today.
	triggers, errs := cadence.PlanContactDay(campaign, steps, contactID, rec.CurrentDay, advanced.CurrentDay, s.now())
	s.recordPlanErrors(ctx, campaign.ID, errs)
	for _, tr := range triggers {
		if err := s.registerOneShot(ctx, campaign, tr); err != nil {
			log.Error().Err(err).Str("step", tr.StepID).Msg("plan next day failed")
		}
	}
	log.Info().Int("day", advanced.CurrentDay).Int("planned", len(triggers)).Msg("contact advanced")
}
