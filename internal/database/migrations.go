package database

import (
	"errors"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/users"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationInitialVotesTable       = "2024-11-04_initial_votes_table"
	migrationUserVotesTable          = "2024-11-13_user_votes_table"
	migrationVoterIdentities         = "2024-11-20_voter_identities"
	migrationReconcileVoteAggregates = "2025-01-15_reconcile_vote_aggregates"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(tx *gorm.DB, logger *zap.Logger) error
}

func migrationLedger() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationInitialVotesTable, apply: createProjectVotes},
		{name: migrationUserVotesTable, apply: createUserVotes},
		{name: migrationVoterIdentities, apply: createVoterIdentities},
		{name: migrationReconcileVoteAggregates, apply: reconcileVoteAggregates},
	}
}

// ApplyMigrations runs every ledger entry that has not been recorded yet, each in
// its own transaction together with its ledger row.
func ApplyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}

	for _, migration := range migrationLedger() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func createProjectVotes(tx *gorm.DB, _ *zap.Logger) error {
	return tx.AutoMigrate(&votes.ProjectVote{})
}

func createUserVotes(tx *gorm.DB, _ *zap.Logger) error {
	return tx.AutoMigrate(&votes.UserVote{})
}

func createVoterIdentities(tx *gorm.DB, _ *zap.Logger) error {
	return tx.AutoMigrate(&users.VoterIdentity{})
}

// reconcileVoteAggregates repairs counters left behind by resets that removed only
// the aggregate row.
func reconcileVoteAggregates(tx *gorm.DB, logger *zap.Logger) error {
	repaired, err := votes.ReconcileAggregates(tx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(repaired) > 0 {
		logger.Info("vote aggregates repaired", zap.Strings("projects", repaired))
	}
	return nil
}
