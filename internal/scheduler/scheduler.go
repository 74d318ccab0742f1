// Package scheduler owns campaign trigger lifecycles: it plans cadences,
// keeps an in-memory registry of live trigger goroutines backed by a durable
// job ledger, and drives the dispatcher when a trigger fires.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-campaign-engine/internal/cadence"
	"whatsapp-campaign-engine/internal/dispatch"
	"whatsapp-campaign-engine/internal/models"
	"whatsapp-campaign-engine/internal/telemetry"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id, status string) error
	AppendEvent(ctx context.Context, campaignID, event, detail string) error

	ListSteps(ctx context.Context, campaignID string) ([]models.CampaignStep, error)
	GetStep(ctx context.Context, id string) (models.CampaignStep, error)

	ResolveRecipients(ctx context.Context, tenant string, segmentIDs []string) ([]models.Contact, error)
	GetContact(ctx context.Context, id string) (models.Contact, error)

	EnsureProgress(ctx context.Context, campaignID, contactID string, now time.Time) (models.ProgressRecord, error)
	GetProgress(ctx context.Context, campaignID, contactID string) (models.ProgressRecord, error)
	ListDayHistory(ctx context.Context, campaignID, contactID string, day int) ([]models.HistoryEntry, error)
	AdvanceDay(ctx context.Context, rec models.ProgressRecord, expectedDay int) (bool, error)

	UpsertJob(ctx context.Context, job models.ScheduledJob) error
	CompleteJob(ctx context.Context, campaignID, stepID, contactID, pattern string, at time.Time) error
	DeleteJobsForCampaign(ctx context.Context, campaignID string) (int64, error)
	DeleteJobsForStep(ctx context.Context, campaignID, stepID string) (int64, error)
	CountPendingJobs(ctx context.Context) (int64, error)
	SweepExpiredJobs(ctx context.Context, now time.Time) (int64, error)
}

// Runner executes one step against a recipient set.
type Runner interface {
	Execute(ctx context.Context, campaign models.Campaign, step models.CampaignStep, recipients []models.Contact, intended time.Time) (dispatch.Result, error)
}

// Options tunes scheduler behavior.
type Options struct {
	JobTTL        time.Duration
	SweepInterval time.Duration
	MissedWindow  time.Duration
}

// Scheduler plans and runs campaign triggers.
type Scheduler struct {
	store  Store
	runner Runner
	log    zerolog.Logger

	jobTTL        time.Duration
	sweepInterval time.Duration
	missedWindow  time.Duration

	now func() time.Time

	state *State
}

// New constructs a scheduler.
func New(st Store, runner Runner, log zerolog.Logger, opts Options) *Scheduler {
	if opts.JobTTL <= 0 {
		opts.JobTTL = 7 * 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.MissedWindow <= 0 {
		opts.MissedWindow = 10 * time.Minute
	}
	return &Scheduler{
		store:         st,
		runner:        runner,
		log:           log.With().Str("component", "scheduler").Logger(),
		jobTTL:        opts.JobTTL,
		sweepInterval: opts.SweepInterval,
		missedWindow:  opts.MissedWindow,
		now:           time.Now,
		state:         NewState(),
	}
}

// Activate brings a campaign live: validates and plans its cadence, writes the
// ledger rows, and starts the trigger goroutines. Activating a completed
// campaign is a no-op; activating an already-active one replaces its triggers.
// Step-level validation errors are recorded as events without blocking the
// valid steps.
func (s *Scheduler) Activate(ctx context.Context, campaignID string) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignCompleted {
		s.log.Info().Str("campaign", campaignID).Msg("activate ignored, campaign already completed")
		return nil
	}

	steps, err := s.store.ListSteps(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	// Replace any prior registration before planning anew.
	s.state.Drop(campaignID)
	if _, err := s.store.DeleteJobsForCampaign(ctx, campaignID); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}

	if campaign.Status != models.CampaignActive {
		if err := s.store.SetCampaignStatus(ctx, campaignID, models.CampaignActive); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		campaign.Status = models.CampaignActive
	}

	now := s.now()
	switch {
	case campaign.Recurring():
		triggers, errs := cadence.PlanRecurring(campaign, steps, now)
		s.recordPlanErrors(ctx, campaignID, errs)
		for _, tr := range triggers {
			if err := s.registerRecurring(ctx, campaign, tr); err != nil {
				return err
			}
		}
	case campaign.Cadence == models.CadenceFixed:
		contactList, err := s.store.ResolveRecipients(ctx, campaign.Tenant, campaign.SegmentIDs)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
		for _, contact := range contactList {
			rec, err := s.store.EnsureProgress(ctx, campaignID, contact.ID, now)
			if err != nil {
				return fmt.Errorf("ensure progress %s: %w", contact.ID, err)
			}
			if !rec.Live() {
				continue
			}
			triggers, errs := cadence.PlanContact(campaign, steps, rec, now)
			s.recordPlanErrors(ctx, campaignID, errs)
			for _, tr := range triggers {
				if err := s.registerOneShot(ctx, campaign, tr); err != nil {
					return err
				}
			}
		}
	case campaign.Cadence == models.CadenceContentBased:
		// On-demand only: nothing to plan, ExecuteNow drives it.
	default:
		return &cadence.ValidationError{Reason: fmt.Sprintf("unknown cadence %q", campaign.Cadence)}
	}

	_ = s.store.AppendEvent(ctx, campaignID, "activated", fmt.Sprintf("cadence=%s steps=%d", campaign.Cadence, len(steps)))
	s.syncGauges()
	s.log.Info().Str("campaign", campaignID).Str("cadence", campaign.Cadence).Msg("campaign activated")
	return nil
}

// Pause cancels a campaign's triggers and clears its ledger rows. The
// campaign can be re-activated later; progress records are untouched.
func (s *Scheduler) Pause(ctx context.Context, campaignID string) error {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	s.state.Drop(campaignID)
	if _, err := s.store.DeleteJobsForCampaign(ctx, campaignID); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	if err := s.store.SetCampaignStatus(ctx, campaignID, models.CampaignPaused); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	_ = s.store.AppendEvent(ctx, campaignID, "paused", "")
	s.syncGauges()
	s.log.Info().Str("campaign", campaignID).Msg("campaign paused")
	return nil
}

// Stop terminates a campaign permanently: triggers cancelled, ledger cleared,
// status set to completed.
func (s *Scheduler) Stop(ctx context.Context, campaignID string) error {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	s.state.Drop(campaignID)
	if _, err := s.store.DeleteJobsForCampaign(ctx, campaignID); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	if err := s.store.SetCampaignStatus(ctx, campaignID, models.CampaignCompleted); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	_ = s.store.AppendEvent(ctx, campaignID, "stopped", "")
	s.syncGauges()
	s.log.Info().Str("campaign", campaignID).Msg("campaign stopped")
	return nil
}

// Reschedule re-plans an active campaign after its steps changed. Paused and
// completed campaigns are left alone.
func (s *Scheduler) Reschedule(ctx context.Context, campaignID string) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignActive {
		return nil
	}
	return s.Activate(ctx, campaignID)
}

// Recover re-activates every active campaign from storage. Called once at
// startup; per-campaign failures are logged and do not block the rest.
func (s *Scheduler) Recover(ctx context.Context) error {
	campaigns, err := s.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	for _, c := range campaigns {
		if err := s.Activate(ctx, c.ID); err != nil {
			s.log.Error().Err(err).Str("campaign", c.ID).Msg("recovery activation failed")
		}
	}
	s.log.Info().Int("campaigns", len(campaigns)).Msg("recovery complete")
	return nil
}

// ExecuteNow fires every step of a campaign immediately against its current
// recipients. This is the only execution path for content-based campaigns and
// doubles as a manual blast for the others; dedup claims still apply, so
// already-sent occurrences come back as duplicate skips.
func (s *Scheduler) ExecuteNow(ctx context.Context, campaignID string) (dispatch.Result, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return dispatch.Result{}, err
	}
	if campaign.Status != models.CampaignActive {
		return dispatch.Result{}, fmt.Errorf("campaign %s is %s, not active", campaignID, campaign.Status)
	}
	steps, err := s.store.ListSteps(ctx, campaignID)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("list steps: %w", err)
	}
	recipients, err := s.store.ResolveRecipients(ctx, campaign.Tenant, campaign.SegmentIDs)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("resolve recipients: %w", err)
	}

	now := s.now()
	var total dispatch.Result
	for _, step := range steps {
		res, err := s.runner.Execute(ctx, campaign, step, recipients, now)
		total.Sent += res.Sent
		total.Failed += res.Failed
		total.SkippedCondition += res.SkippedCondition
		total.SkippedDuplicate += res.SkippedDuplicate
		if err != nil {
			return total, err
		}
		if res.LimitReached {
			total.LimitReached = true
			break
		}
	}
	if total.LimitReached {
		s.state.Drop(campaignID)
		s.syncGauges()
	}
	return total, nil
}

// ExecuteStep fires a single step immediately, same rules as ExecuteNow.
func (s *Scheduler) ExecuteStep(ctx context.Context, campaignID, stepID string) (dispatch.Result, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return dispatch.Result{}, err
	}
	if campaign.Status != models.CampaignActive {
		return dispatch.Result{}, fmt.Errorf("campaign %s is %s, not active", campaignID, campaign.Status)
	}
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return dispatch.Result{}, err
	}
	recipients, err := s.store.ResolveRecipients(ctx, campaign.Tenant, campaign.SegmentIDs)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("resolve recipients: %w", err)
	}
	res, err := s.runner.Execute(ctx, campaign, step, recipients, s.now())
	if err != nil {
		return res, err
	}
	if res.LimitReached {
		s.state.Drop(campaignID)
		s.syncGauges()
	}
	return res, nil
}

// TestResult is the preview a dry run produces.
type TestResult struct {
	ContactID string         `json:"contact_id"`
	To        string         `json:"to"`
	WouldSend bool           `json:"would_send"`
	Reason    string         `json:"reason,omitempty"`
	Payload   models.Payload `json:"payload"`
}

// TestStep evaluates one step against one contact without sending anything
// and without touching the history. An empty contactID tests against the
// first resolved recipient.
func (s *Scheduler) TestStep(ctx context.Context, campaignID, stepID, contactID string) (TestResult, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return TestResult{}, err
	}
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return TestResult{}, err
	}

	var contact models.Contact
	if contactID == "" {
		recipients, err := s.store.ResolveRecipients(ctx, campaign.Tenant, campaign.SegmentIDs)
		if err != nil {
			return TestResult{}, fmt.Errorf("resolve recipients: %w", err)
		}
		if len(recipients) == 0 {
			return TestResult{}, fmt.Errorf("campaign %s has no recipients to test against", campaignID)
		}
		contact = recipients[0]
		contactID = contact.ID
	} else {
		contact, err = s.store.GetContact(ctx, contactID)
		if err != nil {
			return TestResult{}, err
		}
	}
	rec, err := s.store.GetProgress(ctx, campaignID, contactID)
	if err != nil {
		// A contact not yet enrolled has not replied.
		rec = models.ProgressRecord{CampaignID: campaignID, ContactID: contactID, CurrentDay: 1}
	}

	res := TestResult{ContactID: contactID, To: contact.Phone, Payload: step.Payload}
	if !models.ConditionSatisfied(step.Condition, rec.HasReplied) {
		res.Reason = fmt.Sprintf("condition %s not met", step.Condition)
		return res, nil
	}
	if campaign.Cadence == models.CadenceFixed && step.Day != rec.CurrentDay {
		res.Reason = fmt.Sprintf("contact is on day %d, step is day %d", rec.CurrentDay, step.Day)
		return res, nil
	}
	res.WouldSend = true
	return res, nil
}

// EngineStatus is the operational snapshot served by the status endpoint.
type EngineStatus struct {
	ActiveCampaigns int   `json:"active_campaigns"`
	ActiveTriggers  int   `json:"active_triggers"`
	PendingJobs     int64 `json:"pending_jobs"`
}

// Status reports the registry and ledger sizes.
func (s *Scheduler) Status(ctx context.Context) (EngineStatus, error) {
	pending, err := s.store.CountPendingJobs(ctx)
	if err != nil {
		return EngineStatus{}, fmt.Errorf("count jobs: %w", err)
	}
	campaigns, triggers := s.state.Size()
	return EngineStatus{
		ActiveCampaigns: campaigns,
		ActiveTriggers:  triggers,
		PendingJobs:     pending,
	}, nil
}

// RunSweeper periodically deletes expired ledger rows until ctx is cancelled.
func (s *Scheduler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.store.SweepExpiredJobs(ctx, s.now())
			if err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if swept > 0 {
				telemetry.JobsSwept.Add(float64(swept))
				s.log.Info().Int64("swept", swept).Msg("expired jobs removed")
			}
		}
	}
}

// Shutdown cancels every live trigger goroutine.
func (s *Scheduler) Shutdown() {
	s.state.DropAll()
	s.syncGauges()
}

func (s *Scheduler) recordPlanErrors(ctx context.Context, campaignID string, errs []error) {
	for _, err := range errs {
		s.log.Warn().Err(err).Str("campaign", campaignID).Msg("step skipped by planner")
		_ = s.store.AppendEvent(ctx, campaignID, "step_invalid", err.Error())
	}
}

func (s *Scheduler) syncGauges() {
	campaigns, triggers := s.state.Size()
	telemetry.ActiveCampaigns.Set(float64(campaigns))
	telemetry.RegisteredTriggers.Set(float64(triggers))
}
