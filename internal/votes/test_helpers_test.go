package votes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock(start int64) *steppingClock {
	return &steppingClock{current: time.Unix(start, 0).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type staticIDGenerator struct {
	mu    sync.Mutex
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.index++
	return fmt.Sprintf("event-%d", g.index), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []VoteChange
}

func (n *recordingNotifier) NotifyVoteChange(_ context.Context, change VoteChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) snapshot() []VoteChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]VoteChange(nil), n.changes...)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:votes_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&ProjectVote{}, &UserVote{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestRepository(t *testing.T, policy ResetPolicy) (*Repository, *gorm.DB, *recordingNotifier) {
	t.Helper()

	db := openTestDatabase(t)
	notifier := &recordingNotifier{}
	repository, err := NewRepository(RepositoryConfig{
		Database:    db,
		Clock:       newSteppingClock(1700000000).Now,
		IDProvider:  &staticIDGenerator{},
		Notifier:    notifier,
		ResetPolicy: policy,
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository, db, notifier
}

func mustProjectID(t *testing.T, value string) ProjectID {
	t.Helper()
	id, err := NewProjectID(value)
	if err != nil {
		t.Fatalf("unexpected project id error: %v", err)
	}
	return id
}

func mustUser(t *testing.T, value string) Identity {
	t.Helper()
	ref, err := NewUserRef(value)
	if err != nil {
		t.Fatalf("unexpected user ref error: %v", err)
	}
	return UserIdentity(ref)
}

// assertAggregateMatchesLog checks that the stored counters equal the user vote tally.
func assertAggregateMatchesLog(t *testing.T, db *gorm.DB, projectID string) {
	t.Helper()

	var upvotes, downvotes int64
	if err := db.Model(&UserVote{}).Where("project_id = ? AND vote_type = ?", projectID, string(VoteTypeUpvote)).Count(&upvotes).Error; err != nil {
		t.Fatalf("failed to count upvotes: %v", err)
	}
	if err := db.Model(&UserVote{}).Where("project_id = ? AND vote_type = ?", projectID, string(VoteTypeDownvote)).Count(&downvotes).Error; err != nil {
		t.Fatalf("failed to count downvotes: %v", err)
	}

	var aggregate ProjectVote
	err := db.Where("project_id = ?", projectID).Take(&aggregate).Error
	if err != nil && upvotes+downvotes == 0 {
		return
	}
	if err != nil {
		t.Fatalf("failed to load aggregate for %s: %v", projectID, err)
	}
	if aggregate.Upvotes != upvotes || aggregate.Downvotes != downvotes {
		t.Fatalf("aggregate drifted for %s: stored %d/%d, log %d/%d",
			projectID, aggregate.Upvotes, aggregate.Downvotes, upvotes, downvotes)
	}
}
