package punishments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const defaultTimeout = 5 * time.Second

// Store persists warnings, punishments and the moderation log. Every mutation
// writes its log row in the same transaction and runs under a per-member lock.
type Store struct {
	db      *sqlx.DB
	clock   clock.Clock
	timeout time.Duration
	locks   *memberLocks
}

// NewStore wraps an initialized database. A zero timeout selects the default.
func NewStore(db *sqlx.DB, clk clock.Clock, timeout time.Duration) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		db:      db,
		clock:   clk,
		timeout: timeout,
		locks:   newMemberLocks(),
	}
}

// DB exposes the underlying handle for maintenance tasks such as backups.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// mutate runs fn in a transaction while holding the member lock. The store
// timeout covers the wait for the lock as well.
func (s *Store) mutate(ctx context.Context, op, communityID, memberID string, fn func(ctx context.Context, tx *sqlx.Tx, now time.Time) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.lock(ctx, memberKey(communityID, memberID))
	if err != nil {
		return classify(op, err)
	}
	defer unlock()

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, tx, s.clock.Now())
	})
	return classify(op, err)
}

// read bounds a query by the store timeout.
func (s *Store) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(op, fn(ctx))
}

// classify keeps domain errors intact and turns everything else into a StorageError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrAlreadyActive) || errors.Is(err, model.ErrValidation) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return model.ErrAlreadyActive
	}
	return &model.StorageError{Op: op, Err: err}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type warningRow struct {
	ID          int64  `db:"id"`
	CommunityID string `db:"community_id"`
	MemberID    string `db:"member_id"`
	ModeratorID string `db:"moderator_id"`
	Reason      string `db:"reason"`
	CreatedAt   int64  `db:"created_at"`
}

func (r warningRow) toModel() model.Warning {
	return model.Warning{
		ID:          r.ID,
		CommunityID: r.CommunityID,
		MemberID:    r.MemberID,
		ModeratorID: r.ModeratorID,
		Reason:      r.Reason,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

const punishmentColumns = `id, community_id, member_id, moderator_id, kind, reason, created_at, expires_at, active, reversed_at, reversed_by`

type punishmentRow struct {
	ID          int64         `db:"id"`
	CommunityID string        `db:"community_id"`
	MemberID    string        `db:"member_id"`
	ModeratorID string        `db:"moderator_id"`
	Kind        string        `db:"kind"`
	Reason      string        `db:"reason"`
	CreatedAt   int64         `db:"created_at"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	Active      bool          `db:"active"`
	ReversedAt  sql.NullInt64 `db:"reversed_at"`
	ReversedBy  string        `db:"reversed_by"`
}

func (r punishmentRow) toModel() model.Punishment {
	return model.Punishment{
		ID:          r.ID,
		CommunityID: r.CommunityID,
		MemberID:    r.MemberID,
		ModeratorID: r.ModeratorID,
		Kind:        model.Kind(r.Kind),
		Reason:      r.Reason,
		CreatedAt:   fromMillis(r.CreatedAt),
		ExpiresAt:   fromNullMillis(r.ExpiresAt),
		Active:      r.Active,
		ReversedAt:  fromNullMillis(r.ReversedAt),
		ReversedBy:  model.ClosedBy(r.ReversedBy),
	}
}

func toPunishments(rows []punishmentRow) []model.Punishment {
	out := make([]model.Punishment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

type logRow struct {
	ID          int64  `db:"id"`
	CommunityID string `db:"community_id"`
	MemberID    string `db:"member_id"`
	ModeratorID string `db:"moderator_id"`
	Action      string `db:"action"`
	Detail      string `db:"detail"`
	CreatedAt   int64  `db:"created_at"`
}

func (r logRow) toModel() model.ModLogEntry {
	return model.ModLogEntry{
		ID:          r.ID,
		CommunityID: r.CommunityID,
		MemberID:    r.MemberID,
		ModeratorID: r.ModeratorID,
		Action:      r.Action,
		Detail:      r.Detail,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}
