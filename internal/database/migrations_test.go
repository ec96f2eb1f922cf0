package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/users"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestOpenSQLiteAppliesLedgerOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "votes.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range []interface{}{&votes.ProjectVote{}, &votes.UserVote{}, &users.VoterIdentity{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if !database.Migrator().HasIndex(&votes.UserVote{}, "idx_user_votes_project_id") {
		testContext.Fatalf("expected user_votes project index")
	}
	if err := Close(database); err != nil {
		testContext.Fatalf("failed to close database: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	reopened, err := OpenSQLite(databasePath, zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	defer Close(reopened)

	if applied := logs.FilterMessage("database migration applied").Len(); applied != 0 {
		testContext.Fatalf("expected no migrations on reopen, got %d", applied)
	}

	var count int64
	if err := reopened.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count ledger rows: %v", err)
	}
	if count != int64(len(migrationLedger())) {
		testContext.Fatalf("expected %d ledger rows, got %d", len(migrationLedger()), count)
	}
}

func TestApplyMigrationsRepairsLegacyResets(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "legacy.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	defer Close(database)

	if err := database.AutoMigrate(&votes.ProjectVote{}, &votes.UserVote{}, &users.VoterIdentity{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	for _, name := range []string{migrationInitialVotesTable, migrationUserVotesTable, migrationVoterIdentities} {
		if err := database.Create(&migrationRecord{Name: name, AppliedAtSeconds: 1}).Error; err != nil {
			testContext.Fatalf("failed to seed ledger: %v", err)
		}
	}

	// user votes that survived an aggregate-only reset
	now := time.Unix(1700000000, 0).UTC()
	legacy := []votes.UserVote{
		{UserRef: "user:default/alice", ProjectID: "project-1", VoteType: string(votes.VoteTypeUpvote), CreatedAt: now, UpdatedAt: now},
		{UserRef: "user:default/bob", ProjectID: "project-1", VoteType: string(votes.VoteTypeDownvote), CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert user votes: %v", err)
	}

	if err := ApplyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var aggregate votes.ProjectVote
	if err := database.Where("project_id = ?", "project-1").Take(&aggregate).Error; err != nil {
		testContext.Fatalf("expected aggregate to be rebuilt: %v", err)
	}
	if aggregate.Upvotes != 1 || aggregate.Downvotes != 1 {
		testContext.Fatalf("unexpected rebuilt counters %d/%d", aggregate.Upvotes, aggregate.Downvotes)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationReconcileVoteAggregates).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
