package votes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errVoteVanished    = errors.New("user vote disappeared after conflicting insert")
	// ErrAuthenticationRequired indicates a mutation was attempted without a user identity.
	ErrAuthenticationRequired = errors.New("votes: authentication required")
	// ErrInvalidResetPolicy indicates an unknown reset policy name.
	ErrInvalidResetPolicy = errors.New("votes: invalid reset policy")
	noOpLogger            = zap.NewNop()
)

// RepositoryError carries a stable code of the form "<operation>.<reason>".
type RepositoryError struct {
	code string
	err  error
}

func (e *RepositoryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RepositoryError) Unwrap() error {
	return e.err
}

func (e *RepositoryError) Code() string {
	return e.code
}

const (
	opRepositoryNew  = "votes.repository.new"
	opRecordUpvote   = "votes.record_upvote"
	opRecordDownvote = "votes.record_downvote"
	opGetVoteRatio   = "votes.get_vote_ratio"
	opGetAllVotes    = "votes.get_all_votes"
	opResetVotes     = "votes.reset_votes"
	opReconcile      = "votes.reconcile"
)

func newRepositoryError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &RepositoryError{code: code, err: cause}
}

// ResetPolicy decides what a reset does to the per-user vote log.
type ResetPolicy string

const (
	// ResetCascade deletes the aggregate row and every user vote for the project.
	ResetCascade ResetPolicy = "cascade"
	// ResetAggregateOnly deletes only the aggregate row and leaves user votes in place.
	ResetAggregateOnly ResetPolicy = "aggregate_only"
)

// ParseResetPolicy validates a configured policy name. Empty input selects ResetCascade.
func ParseResetPolicy(rawInput string) (ResetPolicy, error) {
	switch ResetPolicy(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", ResetCascade:
		return ResetCascade, nil
	case ResetAggregateOnly:
		return ResetAggregateOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResetPolicy, rawInput)
	}
}

// Notifier receives committed vote changes. Implementations must not block for long
// and report their own failures.
//
// Changes are delivered after commit with no ordering guarantee across requests. The
// ratio is a snapshot; consumers needing exact counts re-read the project, and a
// consumer that applies snapshots keeps the one with the latest OccurredAt, which
// equals the updated_at written to the aggregate row.
type Notifier interface {
	NotifyVoteChange(ctx context.Context, change VoteChange)
}

type RepositoryConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	Notifier    Notifier
	ResetPolicy ResetPolicy
}

// Repository owns the project_votes and user_votes tables.
type Repository struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	notifier    Notifier
	resetPolicy ResetPolicy
}

func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	resetPolicy := cfg.ResetPolicy
	if resetPolicy == "" {
		resetPolicy = ResetCascade
	}

	return &Repository{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
		notifier:    cfg.Notifier,
		resetPolicy: resetPolicy,
	}, nil
}

// RecordUpvote sets the caller's standing vote on the project to upvote.
func (r *Repository) RecordUpvote(ctx context.Context, projectID ProjectID, identity Identity) (VoteRatio, error) {
	return r.recordVote(ctx, opRecordUpvote, projectID, identity, VoteTypeUpvote)
}

// RecordDownvote sets the caller's standing vote on the project to downvote.
func (r *Repository) RecordDownvote(ctx context.Context, projectID ProjectID, identity Identity) (VoteRatio, error) {
	return r.recordVote(ctx, opRecordDownvote, projectID, identity, VoteTypeDownvote)
}

type counterDelta struct {
	upvotes   int64
	downvotes int64
}

func (d *counterDelta) add(direction VoteType, amount int64) {
	if direction == VoteTypeUpvote {
		d.upvotes += amount
		return
	}
	d.downvotes += amount
}

func deltaFor(direction VoteType, switched bool) counterDelta {
	delta := counterDelta{}
	delta.add(direction, 1)
	if switched {
		delta.add(direction.Opposite(), -1)
	}
	return delta
}

func (r *Repository) recordVote(ctx context.Context, operation string, projectID ProjectID, identity Identity, direction VoteType) (VoteRatio, error) {
	if r.db == nil {
		r.logError(operation, "missing_database", errMissingDatabase)
		return VoteRatio{}, newRepositoryError(operation, "missing_database", errMissingDatabase)
	}
	userRef, ok := identity.UserRef()
	if !ok {
		return VoteRatio{}, newRepositoryError(operation, "authentication_required", ErrAuthenticationRequired)
	}
	if projectID == "" {
		return VoteRatio{}, newRepositoryError(operation, "invalid_project_id", ErrInvalidProjectID)
	}

	fields := []zap.Field{
		zap.String("project_id", projectID.String()),
		zap.String("user_ref", userRef.String()),
	}

	var ratio VoteRatio
	var transition Transition
	var now time.Time
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := lockUserVote(tx, userRef, projectID)
		if err != nil {
			r.logError(operation, "user_vote_select_failed", err, fields...)
			return newRepositoryError(operation, "user_vote_select_failed", err)
		}
		// stamped once the voter's row is locked so a voter's own changes are ordered
		now = r.clock().UTC()

		if !found {
			inserted, err := insertUserVote(tx, UserVote{
				UserRef:   userRef.String(),
				ProjectID: projectID.String(),
				VoteType:  string(direction),
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				r.logError(operation, "user_vote_insert_failed", err, fields...)
				return newRepositoryError(operation, "user_vote_insert_failed", err)
			}
			if inserted {
				if err := applyAggregateDelta(tx, projectID, deltaFor(direction, false), now); err != nil {
					r.logError(operation, "aggregate_upsert_failed", err, fields...)
					return newRepositoryError(operation, "aggregate_upsert_failed", err)
				}
				transition = TransitionCreated
			} else {
				// A concurrent request from the same user inserted first.
				existing, found, err = lockUserVote(tx, userRef, projectID)
				if err != nil {
					r.logError(operation, "user_vote_select_failed", err, fields...)
					return newRepositoryError(operation, "user_vote_select_failed", err)
				}
				if !found {
					r.logError(operation, "user_vote_conflict", errVoteVanished, fields...)
					return newRepositoryError(operation, "user_vote_conflict", errVoteVanished)
				}
			}
		}

		if transition == "" {
			current, err := ParseVoteType(existing.VoteType)
			if err != nil {
				r.logError(operation, "user_vote_corrupt", err, fields...)
				return newRepositoryError(operation, "user_vote_corrupt", err)
			}
			if current == direction {
				transition = TransitionUnchanged
			} else {
				if err := tx.Model(&UserVote{}).
					Where("user_ref = ? AND project_id = ?", userRef.String(), projectID.String()).
					Updates(map[string]interface{}{
						"vote_type":  string(direction),
						"updated_at": now,
					}).Error; err != nil {
					r.logError(operation, "user_vote_update_failed", err, fields...)
					return newRepositoryError(operation, "user_vote_update_failed", err)
				}
				if err := applyAggregateDelta(tx, projectID, deltaFor(direction, true), now); err != nil {
					r.logError(operation, "aggregate_upsert_failed", err, fields...)
					return newRepositoryError(operation, "aggregate_upsert_failed", err)
				}
				transition = TransitionSwitched
			}
		}

		loaded, err := loadRatio(tx, projectID)
		if err != nil {
			r.logError(operation, "aggregate_select_failed", err, fields...)
			return newRepositoryError(operation, "aggregate_select_failed", err)
		}
		ratio = loaded.withUserVote(direction)
		return nil
	})
	if txErr != nil {
		return VoteRatio{}, txErr
	}

	r.loggerOrDefault().Info("vote recorded",
		append(fields,
			zap.String("vote_type", string(direction)),
			zap.String("transition", string(transition)))...)

	if transition != TransitionUnchanged {
		action := ChangeActionUpvote
		if direction == VoteTypeDownvote {
			action = ChangeActionDownvote
		}
		r.notify(ctx, VoteChange{
			ProjectID:  projectID.String(),
			UserRef:    userRef.String(),
			Action:     action,
			Transition: transition,
			Ratio:      ratio,
			OccurredAt: now,
		})
	}

	return ratio, nil
}

// GetVoteRatio reads a project's counters. A project without votes yields a zeroed ratio.
// When identity is a user, the caller's standing vote is resolved as well.
func (r *Repository) GetVoteRatio(ctx context.Context, projectID ProjectID, identity Identity) (VoteRatio, error) {
	if r.db == nil {
		r.logError(opGetVoteRatio, "missing_database", errMissingDatabase)
		return VoteRatio{}, newRepositoryError(opGetVoteRatio, "missing_database", errMissingDatabase)
	}
	if projectID == "" {
		return VoteRatio{}, newRepositoryError(opGetVoteRatio, "invalid_project_id", ErrInvalidProjectID)
	}

	db := r.db.WithContext(ctx)
	ratio, err := loadRatio(db, projectID)
	if err != nil {
		r.logError(opGetVoteRatio, "aggregate_select_failed", err, zap.String("project_id", projectID.String()))
		return VoteRatio{}, newRepositoryError(opGetVoteRatio, "aggregate_select_failed", err)
	}

	userRef, ok := identity.UserRef()
	if !ok {
		return ratio, nil
	}

	var vote UserVote
	err = db.Where("user_ref = ? AND project_id = ?", userRef.String(), projectID.String()).Take(&vote).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ratio.withUserVote(""), nil
	case err != nil:
		r.logError(opGetVoteRatio, "user_vote_select_failed", err,
			zap.String("project_id", projectID.String()),
			zap.String("user_ref", userRef.String()))
		return VoteRatio{}, newRepositoryError(opGetVoteRatio, "user_vote_select_failed", err)
	}
	current, err := ParseVoteType(vote.VoteType)
	if err != nil {
		r.logError(opGetVoteRatio, "user_vote_corrupt", err,
			zap.String("project_id", projectID.String()),
			zap.String("user_ref", userRef.String()))
		return VoteRatio{}, newRepositoryError(opGetVoteRatio, "user_vote_corrupt", err)
	}
	return ratio.withUserVote(current), nil
}

// GetAllVotes lists every aggregate row, most recently updated first.
func (r *Repository) GetAllVotes(ctx context.Context) ([]VoteRatio, error) {
	if r.db == nil {
		r.logError(opGetAllVotes, "missing_database", errMissingDatabase)
		return nil, newRepositoryError(opGetAllVotes, "missing_database", errMissingDatabase)
	}

	var rows []ProjectVote
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Order("project_id ASC").
		Find(&rows).Error; err != nil {
		r.logError(opGetAllVotes, "query_failed", err)
		return nil, newRepositoryError(opGetAllVotes, "query_failed", err)
	}

	ratios := make([]VoteRatio, 0, len(rows))
	for _, row := range rows {
		ratios = append(ratios, NewVoteRatio(row.ProjectID, row.Upvotes, row.Downvotes))
	}
	return ratios, nil
}

// ResetVotes removes the aggregate row of a project. Under ResetCascade the project's
// user votes are removed in the same transaction. Resetting an unknown project is not an error.
func (r *Repository) ResetVotes(ctx context.Context, projectID ProjectID) error {
	if r.db == nil {
		r.logError(opResetVotes, "missing_database", errMissingDatabase)
		return newRepositoryError(opResetVotes, "missing_database", errMissingDatabase)
	}
	if projectID == "" {
		return newRepositoryError(opResetVotes, "invalid_project_id", ErrInvalidProjectID)
	}

	fields := []zap.Field{
		zap.String("project_id", projectID.String()),
		zap.String("reset_policy", string(r.resetPolicy)),
	}

	var removed int64
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("project_id = ?", projectID.String()).Delete(&ProjectVote{})
		if result.Error != nil {
			r.logError(opResetVotes, "aggregate_delete_failed", result.Error, fields...)
			return newRepositoryError(opResetVotes, "aggregate_delete_failed", result.Error)
		}
		removed += result.RowsAffected

		if r.resetPolicy != ResetCascade {
			return nil
		}
		result = tx.Where("project_id = ?", projectID.String()).Delete(&UserVote{})
		if result.Error != nil {
			r.logError(opResetVotes, "user_votes_delete_failed", result.Error, fields...)
			return newRepositoryError(opResetVotes, "user_votes_delete_failed", result.Error)
		}
		removed += result.RowsAffected
		return nil
	})
	if txErr != nil {
		return txErr
	}

	r.loggerOrDefault().Info("votes reset", append(fields, zap.Int64("rows_removed", removed))...)

	if removed > 0 {
		r.notify(ctx, VoteChange{
			ProjectID:  projectID.String(),
			Action:     ChangeActionReset,
			Transition: TransitionReset,
			Ratio:      NewVoteRatio(projectID.String(), 0, 0),
			OccurredAt: r.clock().UTC(),
		})
	}
	return nil
}

// ReconcileReport summarizes a Reconcile run.
type ReconcileReport struct {
	ProjectsScanned  int
	ProjectsRepaired []string
}

type projectTally struct {
	ProjectID string
	Upvotes   int64
	Downvotes int64
}

// Reconcile recomputes every aggregate row from the user vote log.
func (r *Repository) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if r.db == nil {
		r.logError(opReconcile, "missing_database", errMissingDatabase)
		return ReconcileReport{}, newRepositoryError(opReconcile, "missing_database", errMissingDatabase)
	}

	var report ReconcileReport
	now := r.clock().UTC()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repaired, scanned, err := reconcileAggregates(tx, now)
		if err != nil {
			r.logError(opReconcile, "reconcile_failed", err)
			return newRepositoryError(opReconcile, "reconcile_failed", err)
		}
		report = ReconcileReport{ProjectsScanned: scanned, ProjectsRepaired: repaired}
		return nil
	})
	if txErr != nil {
		return ReconcileReport{}, txErr
	}

	r.loggerOrDefault().Info("vote aggregates reconciled",
		zap.Int("projects_scanned", report.ProjectsScanned),
		zap.Strings("projects_repaired", report.ProjectsRepaired))
	return report, nil
}

// ReconcileAggregates rewrites project_votes so every row matches the user_votes tally.
// It expects to run inside a caller-managed transaction.
func ReconcileAggregates(tx *gorm.DB, now time.Time) ([]string, error) {
	repaired, _, err := reconcileAggregates(tx, now)
	return repaired, err
}

func reconcileAggregates(tx *gorm.DB, now time.Time) ([]string, int, error) {
	var tallies []projectTally
	if err := tx.Model(&UserVote{}).
		Select("project_id, "+
			"SUM(CASE WHEN vote_type = ? THEN 1 ELSE 0 END) AS upvotes, "+
			"SUM(CASE WHEN vote_type = ? THEN 1 ELSE 0 END) AS downvotes",
			string(VoteTypeUpvote), string(VoteTypeDownvote)).
		Group("project_id").
		Scan(&tallies).Error; err != nil {
		return nil, 0, err
	}

	var aggregates []ProjectVote
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Find(&aggregates).Error; err != nil {
		return nil, 0, err
	}
	stored := make(map[string]ProjectVote, len(aggregates))
	for _, aggregate := range aggregates {
		stored[aggregate.ProjectID] = aggregate
	}

	expected := make(map[string]projectTally, len(tallies)+len(aggregates))
	for _, aggregate := range aggregates {
		expected[aggregate.ProjectID] = projectTally{ProjectID: aggregate.ProjectID}
	}
	for _, tally := range tallies {
		expected[tally.ProjectID] = tally
	}

	repaired := make([]string, 0)
	for projectID, tally := range expected {
		current, exists := stored[projectID]
		if !exists {
			row := ProjectVote{
				ProjectID: projectID,
				Upvotes:   tally.Upvotes,
				Downvotes: tally.Downvotes,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return nil, 0, err
			}
			repaired = append(repaired, projectID)
			continue
		}
		if current.Upvotes == tally.Upvotes && current.Downvotes == tally.Downvotes {
			continue
		}
		if err := tx.Model(&ProjectVote{}).
			Where("project_id = ?", projectID).
			Updates(map[string]interface{}{
				"upvotes":    tally.Upvotes,
				"downvotes":  tally.Downvotes,
				"updated_at": now,
			}).Error; err != nil {
			return nil, 0, err
		}
		repaired = append(repaired, projectID)
	}

	sort.Strings(repaired)
	return repaired, len(expected), nil
}

func lockUserVote(tx *gorm.DB, userRef UserRef, projectID ProjectID) (UserVote, bool, error) {
	var vote UserVote
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_ref = ? AND project_id = ?", userRef.String(), projectID.String()).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserVote{}, false, nil
	}
	if err != nil {
		return UserVote{}, false, err
	}
	return vote, true, nil
}

func insertUserVote(tx *gorm.DB, vote UserVote) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vote)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// applyAggregateDelta inserts the aggregate row or shifts its counters in a single statement.
func applyAggregateDelta(tx *gorm.DB, projectID ProjectID, delta counterDelta, now time.Time) error {
	row := ProjectVote{
		ProjectID: projectID.String(),
		Upvotes:   max(delta.upvotes, 0),
		Downvotes: max(delta.downvotes, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"upvotes":    gorm.Expr("project_votes.upvotes + ?", delta.upvotes),
			"downvotes":  gorm.Expr("project_votes.downvotes + ?", delta.downvotes),
			"updated_at": now,
		}),
	}).Create(&row).Error
}

func loadRatio(db *gorm.DB, projectID ProjectID) (VoteRatio, error) {
	var aggregate ProjectVote
	err := db.Where("project_id = ?", projectID.String()).Take(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewVoteRatio(projectID.String(), 0, 0), nil
	}
	if err != nil {
		return VoteRatio{}, err
	}
	return NewVoteRatio(aggregate.ProjectID, aggregate.Upvotes, aggregate.Downvotes), nil
}

func (r *Repository) notify(ctx context.Context, change VoteChange) {
	if r.notifier == nil {
		return
	}
	eventID, err := r.idProvider.NewID()
	if err != nil {
		r.loggerOrDefault().Warn("vote change id generation failed",
			zap.String("project_id", change.ProjectID),
			zap.Error(err))
	}
	change.EventID = eventID
	r.notifier.NotifyVoteChange(ctx, change)
}

func (r *Repository) loggerOrDefault() *zap.Logger {
	if r == nil {
		return noOpLogger
	}
	if r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("votes repository error", attrs...)
}
