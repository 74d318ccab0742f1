package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-campaign-engine/internal/models"
	"whatsapp-campaign-engine/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	progress map[string]models.ProgressRecord // contactID -> record
	claimed  map[string]bool                  // contactID+dedupKey
	outcomes map[string]string                // contactID -> outcome
	execs    int
	status   string
	events   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		progress: map[string]models.ProgressRecord{},
		claimed:  map[string]bool{},
		outcomes: map[string]string{},
	}
}

func (f *fakeStore) EnsureProgress(_ context.Context, campaignID, contactID string, now time.Time) (models.ProgressRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.progress[contactID]
	if !ok {
		rec = models.ProgressRecord{
			CampaignID: campaignID,
			ContactID:  contactID,
			CurrentDay: 1,
			Status:     models.ProgressActive,
			StartedAt:  now,
		}
		f.progress[contactID] = rec
	}
	return rec, nil
}

func (f *fakeStore) ClaimSend(_ context.Context, p store.ClaimParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := p.ContactID + "|" + p.DedupKey
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeStore) RecordOutcome(_ context.Context, _, contactID, _, outcome string, _, _ *string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[contactID] = outcome
	return nil
}

func (f *fakeStore) RecordExecution(_ context.Context, _ string, _ time.Time, _ *time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	return f.execs, nil
}

func (f *fakeStore) SetCampaignStatus(_ context.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, _, event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	errOn map[string]error
}

func (f *fakeSender) Send(_ context.Context, to string, _ models.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errOn[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, to)
	return "wamid." + to, nil
}

func testCampaign(cadence string) models.Campaign {
	return models.Campaign{
		ID:      "camp-1",
		Tenant:  "acme",
		Name:    "onboarding",
		Cadence: cadence,
		Status:  models.CampaignActive,
	}
}

func textStep(condition string) models.CampaignStep {
	return models.CampaignStep{
		ID:         "step-1",
		CampaignID: "camp-1",
		Day:        1,
		Sequence:   1,
		Payload:    models.TextPayload{Body: "hello"},
		Condition:  condition,
	}
}

func contacts(ids ...string) []models.Contact {
	out := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Contact{ID: id, Tenant: "acme", Phone: "1555" + id})
	}
	return out
}

func TestExecuteSendsAll(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	d := New(st, sender, nil, zerolog.Nop(), Options{BatchSize: 2})

	res, err := d.Execute(context.Background(), testCampaign(models.CadenceFixed), textStep(models.CondAlways), contacts("a", "b", "c"), time.Now())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("got %+v, want 3 sent", res)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("sender saw %d sends", len(sender.sent))
	}
	if st.execs != 1 {
		t.Fatalf("executed count bumped %d times", st.execs)
	}
}

func TestExecuteFailureIsolated(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{errOn: map[string]error{"1555b": errors.New("upstream 500")}}
	d := New(st, sender, nil, zerolog.Nop(), Options{})

	res, err := d.Execute(context.Background(), testCampaign(models.CadenceFixed), textStep(models.CondAlways), contacts("a", "b", "c"), time.Now())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("got %+v, want 2 sent 1 failed", res)
	}
	if st.outcomes["b"] != models.OutcomeFailed {
		t.Fatalf("outcome for b = %q", st.outcomes["b"])
	}
}

func TestExecuteConditionSkip(t *testing.T) {
	st := newFakeStore()
	st.progress["a"] = models.ProgressRecord{ContactID: "a", CurrentDay: 1, HasReplied: true, Status: models.ProgressActive}
	sender := &fakeSender{}
	d := New(st, sender, nil, zerolog.Nop(), Options{})

	res, err := d.Execute(context.Background(), testCampaign(models.CadenceFixed), textStep(models.CondIfNotReplied), contacts("a", "b"), time.Now())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Sent != 1 || res.SkippedCondition != 1 {
		t.Fatalf("got %+v, want 1 sent 1 condition skip", res)
	}
	if _, logged := st.outcomes["a"]; logged {
		t.Fatal("condition skip must not write history")
	}
}

func TestExecuteDuplicateSuppressed(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	d := New(st, sender, nil, zerolog.Nop(), Options{})

	camp := testCampaign(models.CadenceFixed)
	step := textStep(models.CondAlways)
	at := time.Now()

	if _, err := d.Execute(context.Background(), camp, step, contacts("a"), at); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	res, err := d.Execute(context.Background(), camp, step, contacts("a"), at)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Sent != 0 || res.SkippedDuplicate != 1 {
		t.Fatalf("got %+v, want duplicate skip", res)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender saw %d sends, want 1", len(sender.sent))
	}
	if st.execs != 1 {
		t.Fatalf("executed count bumped %d times, want 1", st.execs)
	}
}

func TestExecuteRecurringOccurrencesDistinct(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	d := New(st, sender, nil, zerolog.Nop(), Options{})

	camp := testCampaign(models.CadenceDaily)
	step := textStep(models.CondAlways)
	day1 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	if _, err := d.Execute(context.Background(), camp, step, contacts("a"), day1); err != nil {
		t.Fatalf("day1: %v", err)
	}
	res, err := d.Execute(context.Background(), camp, step, contacts("a"), day1.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("day2: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("second occurrence got %+v, want 1 sent", res)
	}
}

func TestExecuteRepeatLimitCompletes(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	d := New(st, sender, nil, zerolog.Nop(), Options{})

	camp := testCampaign(models.CadenceDaily)
	camp.RepeatLimit = 1

	res, err := d.Execute(context.Background(), camp, textStep(models.CondAlways), contacts("a"), time.Now())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.LimitReached {
		t.Fatal("expected limit reached")
	}
	if st.status != models.CampaignCompleted {
		t.Fatalf("campaign status = %q, want completed", st.status)
	}
}
