package votes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// VoteType enumerates the directions a standing vote can take.
type VoteType string

const (
	// VoteTypeUpvote marks a positive vote.
	VoteTypeUpvote VoteType = "upvote"
	// VoteTypeDownvote marks a negative vote.
	VoteTypeDownvote VoteType = "downvote"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("votes: invalid project id")
	// ErrInvalidUserRef indicates that a user reference is empty or exceeds storage bounds.
	ErrInvalidUserRef = errors.New("votes: invalid user ref")
	// ErrInvalidVoteType indicates that a vote direction is not recognized.
	ErrInvalidVoteType = errors.New("votes: invalid vote type")
)

// ParseVoteType validates raw input and returns a VoteType.
func ParseVoteType(rawInput string) (VoteType, error) {
	switch VoteType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VoteTypeUpvote:
		return VoteTypeUpvote, nil
	case VoteTypeDownvote:
		return VoteTypeDownvote, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVoteType, rawInput)
	}
}

// Opposite returns the other vote direction.
func (t VoteType) Opposite() VoteType {
	if t == VoteTypeUpvote {
		return VoteTypeDownvote
	}
	return VoteTypeUpvote
}

// ProjectID represents a validated project identifier. Projects are opaque to the
// vote store and are never checked against the catalog.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// UserRef represents a validated caller reference issued by the identity provider.
type UserRef string

// NewUserRef validates raw input and returns a UserRef.
func NewUserRef(rawInput string) (UserRef, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserRef)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserRef, maxIdentifierLength)
	}
	return UserRef(trimmed), nil
}

// String returns the underlying string identifier.
func (ref UserRef) String() string {
	return string(ref)
}

// ProjectVote is the aggregate row kept per project.
type ProjectVote struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	Upvotes   int64     `gorm:"column:upvotes;not null;default:0"`
	Downvotes int64     `gorm:"column:downvotes;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index:idx_project_votes_updated_at,sort:desc"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectVote) TableName() string {
	return "project_votes"
}

// UserVote is the standing vote of one user on one project.
type UserVote struct {
	UserRef   string    `gorm:"column:user_ref;primaryKey;size:190;not null;index:idx_user_votes_user_ref"`
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null;index:idx_user_votes_project_id"`
	VoteType  string    `gorm:"column:vote_type;size:16;not null;check:chk_user_votes_vote_type,vote_type IN ('upvote','downvote')"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserVote) TableName() string {
	return "user_votes"
}

// VoteRatio is the derived view of a project's votes.
type VoteRatio struct {
	ProjectID string
	Upvotes   int64
	Downvotes int64
	Ratio     float64
	Total     int64
	// UserVote is empty when the caller has no standing vote.
	UserVote VoteType
	// UserVoteResolved reports whether a user identity took part in the read.
	UserVoteResolved bool
}

// NewVoteRatio computes totals and ratio from raw counters.
func NewVoteRatio(projectID string, upvotes, downvotes int64) VoteRatio {
	total := upvotes + downvotes
	ratio := 0.0
	if total > 0 {
		ratio = float64(upvotes) / float64(total)
	}
	return VoteRatio{
		ProjectID: projectID,
		Upvotes:   upvotes,
		Downvotes: downvotes,
		Ratio:     ratio,
		Total:     total,
	}
}

func (r VoteRatio) withUserVote(vote VoteType) VoteRatio {
	r.UserVote = vote
	r.UserVoteResolved = true
	return r
}

// ChangeAction names the operation that produced a VoteChange.
type ChangeAction string

const (
	ChangeActionUpvote   ChangeAction = "upvote"
	ChangeActionDownvote ChangeAction = "downvote"
	ChangeActionReset    ChangeAction = "reset"
)

// Transition describes what a mutation did to the per-user log.
type Transition string

const (
	TransitionCreated   Transition = "created"
	TransitionSwitched  Transition = "switched"
	TransitionUnchanged Transition = "unchanged"
	TransitionReset     Transition = "reset"
)

// VoteChange is emitted after a committed mutation that altered stored state.
type VoteChange struct {
	EventID    string
	ProjectID  string
	UserRef    string
	Action     ChangeAction
	Transition Transition
	Ratio      VoteRatio
	OccurredAt time.Time
}
