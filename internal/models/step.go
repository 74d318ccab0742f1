package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentKind enumerates the payload variants a step can carry.
const (
	KindText     = "text"
	KindMedia    = "media"
	KindTemplate = "template"
)

// StepCondition gates a step on the contact's reply state.
const (
	CondAlways       = "always"
	CondIfReplied    = "if_replied"
	CondIfNotReplied = "if_not_replied"
)

// Payload is the message content of a step. It is a closed set:
// TextPayload, MediaPayload, or TemplatePayload.
type Payload interface {
	Kind() string
}

// TextPayload is a plain text message body.
type TextPayload struct {
	Body string `json:"body"`
}

func (TextPayload) Kind() string { return KindText }

// MediaPayload references media by URL; the provider fetches it.
type MediaPayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

func (MediaPayload) Kind() string { return KindMedia }

// TemplatePayload names an approved template with ordered body parameters.
type TemplatePayload struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params,omitempty"`
}

func (TemplatePayload) Kind() string { return KindTemplate }

// ConditionSatisfied reports whether a step condition admits a contact with
// the given reply state. Unknown conditions behave like always.
func ConditionSatisfied(condition string, hasReplied bool) bool {
	switch condition {
	case CondIfReplied:
		return hasReplied
	case CondIfNotReplied:
		return !hasReplied
	default:
		return true
	}
}

// CampaignStep is one message unit within a campaign.
// (CampaignID, Day, Sequence) is unique; Day is meaningful only for fixed
// cadences and is 1 otherwise.
type CampaignStep struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Day        int       `json:"day"`
	Sequence   int       `json:"sequence"`
	Payload    Payload   `json:"payload"`
	TimeOfDay  string    `json:"time_of_day"` // HH:MM, campaign-local
	DayOfWeek  *int      `json:"day_of_week,omitempty"`
	DayOfMonth *int      `json:"day_of_month,omitempty"`
	Condition  string    `json:"condition"`
	CreatedAt  time.Time `json:"created_at"`
}

// MarshalPayload encodes a payload for storage alongside its content kind.
func MarshalPayload(p Payload) (kind string, raw []byte, err error) {
	if p == nil {
		return "", nil, fmt.Errorf("nil payload")
	}
	raw, err = json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}
	return p.Kind(), raw, nil
}

// UnmarshalPayload decodes a stored payload for the given content kind.
func UnmarshalPayload(kind string, raw []byte) (Payload, error) {
	switch kind {
	case KindText:
		var p TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal text payload: %w", err)
		}
		return p, nil
	case KindMedia:
		var p MediaPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal media payload: %w", err)
		}
		return p, nil
	case KindTemplate:
		var p TemplatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal template payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}
}
