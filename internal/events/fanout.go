package events

import (
	"context"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
)

// Fanout forwards every change to each registered notifier in order.
type Fanout struct {
	notifiers []votes.Notifier
}

// NewFanout skips nil notifiers so optional sinks can be passed unconditionally.
func NewFanout(notifiers ...votes.Notifier) *Fanout {
	filtered := make([]votes.Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			filtered = append(filtered, notifier)
		}
	}
	return &Fanout{notifiers: filtered}
}

// NotifyVoteChange implements votes.Notifier.
func (f *Fanout) NotifyVoteChange(ctx context.Context, change votes.VoteChange) {
	if f == nil {
		return
	}
	for _, notifier := range f.notifiers {
		notifier.NotifyVoteChange(ctx, change)
	}
}

// Len reports the number of registered notifiers.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.notifiers)
}
