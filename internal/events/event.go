package events

import (
	"encoding/json"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
)

// VoteChangeEvent is the wire form of a committed vote change. Events may arrive out of
// order; consumers drop a snapshot older than the last occurredAt seen for the project.
type VoteChangeEvent struct {
	EventID    string    `json:"eventId"`
	ProjectID  string    `json:"projectId"`
	UserRef    string    `json:"userRef,omitempty"`
	Action     string    `json:"action"`
	Transition string    `json:"transition"`
	Upvotes    int64     `json:"upvotes"`
	Downvotes  int64     `json:"downvotes"`
	Total      int64     `json:"total"`
	Ratio      float64   `json:"ratio"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewVoteChangeEvent converts a repository change into its wire form.
func NewVoteChangeEvent(change votes.VoteChange) VoteChangeEvent {
	return VoteChangeEvent{
		EventID:    change.EventID,
		ProjectID:  change.ProjectID,
		UserRef:    change.UserRef,
		Action:     string(change.Action),
		Transition: string(change.Transition),
		Upvotes:    change.Ratio.Upvotes,
		Downvotes:  change.Ratio.Downvotes,
		Total:      change.Ratio.Total,
		Ratio:      change.Ratio.Ratio,
		OccurredAt: change.OccurredAt.UTC(),
	}
}

// Anonymized drops the voter reference for consumers outside the trust boundary.
func (e VoteChangeEvent) Anonymized() VoteChangeEvent {
	e.UserRef = ""
	return e
}

// EncodeVoteChange marshals a change for publishing.
func EncodeVoteChange(change votes.VoteChange) ([]byte, error) {
	return json.Marshal(NewVoteChangeEvent(change))
}
