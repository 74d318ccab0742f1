package scheduler

import (
	"context"
	"sync"
)

// activeTrigger is one live trigger goroutine's registry entry.
type activeTrigger struct {
	stepID    string
	contactID string
	pattern   string
	cancel    context.CancelFunc
}

// State is the in-memory registry of live triggers, keyed by campaign. It is
// authoritative for what fires; the durable ledger mirrors it for recovery
// and observability.
type State struct {
	mu       sync.Mutex
	triggers map[string][]*activeTrigger
}

// NewState returns an empty registry.
func NewState() *State {
	return &State{triggers: map[string][]*activeTrigger{}}
}

// Add registers a trigger under its campaign.
func (st *State) Add(campaignID string, t *activeTrigger) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.triggers[campaignID] = append(st.triggers[campaignID], t)
}

// Remove drops one trigger without cancelling it; used by one-shot triggers
// that finished on their own.
func (st *State) Remove(campaignID string, t *activeTrigger) {
	st.mu.Lock()
	defer st.mu.Unlock()
	list := st.triggers[campaignID]
	for i, cur := range list {
		if cur == t {
			st.triggers[campaignID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(st.triggers[campaignID]) == 0 {
		delete(st.triggers, campaignID)
	}
}

// Drop cancels and removes every trigger of one campaign.
func (st *State) Drop(campaignID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.triggers[campaignID] {
		t.cancel()
	}
	delete(st.triggers, campaignID)
}

// DropAll cancels everything.
func (st *State) DropAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, list := range st.triggers {
		for _, t := range list {
			t.cancel()
		}
		delete(st.triggers, id)
	}
}

// Size returns the number of registered campaigns and triggers.
func (st *State) Size() (campaigns, triggers int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, list := range st.triggers {
		triggers += len(list)
	}
	return len(st.triggers), triggers
}
