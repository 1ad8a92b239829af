package punishments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/jmoiron/sqlx"
)

// overduePageSize bounds how many rows a single ListOverdue query loads.
const overduePageSize = 100

// OpenRequest describes a punishment to record. A zero Duration is permanent.
type OpenRequest struct {
	CommunityID string
	MemberID    string
	ModeratorID string
	Kind        model.Kind
	Reason      string
	Duration    time.Duration
	// LogAction overrides the mod log action, e.g. for automatic escalations.
	LogAction string
}

// CloseRequest reverses the active punishment of a kind. When PunishmentID is
// set only that row may be closed.
type CloseRequest struct {
	CommunityID  string
	MemberID     string
	ModeratorID  string
	Kind         model.Kind
	Reason       string
	ClosedBy     model.ClosedBy
	PunishmentID int64
}

func insertLog(ctx context.Context, tx *sqlx.Tx, row logRow) error {
	query := `INSERT INTO mod_log (community_id, member_id, moderator_id, action, detail, created_at)
			  VALUES (:community_id, :member_id, :moderator_id, :action, :detail, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert mod log entry: %w", err)
	}
	return nil
}

func withReason(detail, reason string) string {
	if reason == "" {
		return detail
	}
	return detail + ": " + reason
}

// AddWarning records a warning and returns it together with the member's
// warning count as seen inside the same transaction.
func (s *Store) AddWarning(ctx context.Context, communityID, memberID, moderatorID, reason string) (model.Warning, int, error) {
	var (
		warning model.Warning
		count   int
	)
	err := s.mutate(ctx, "add warning", communityID, memberID, func(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
		row := warningRow{
			CommunityID: communityID,
			MemberID:    memberID,
			ModeratorID: moderatorID,
			Reason:      reason,
			CreatedAt:   toMillis(now),
		}
		query := `INSERT INTO warnings (community_id, member_id, moderator_id, reason, created_at)
				  VALUES (:community_id, :member_id, :moderator_id, :reason, :created_at)`
		result, err := tx.NamedExecContext(ctx, query, row)
		if err != nil {
			return fmt.Errorf("failed to insert warning: %w", err)
		}
		row.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}

		err = tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM warnings WHERE community_id = ? AND member_id = ?`, communityID, memberID)
		if err != nil {
			return fmt.Errorf("failed to count warnings: %w", err)
		}

		warning = row.toModel()
		return insertLog(ctx, tx, logRow{
			CommunityID: communityID,
			MemberID:    memberID,
			ModeratorID: moderatorID,
			Action:      model.ActionWarn,
			Detail:      withReason(fmt.Sprintf("warning #%d (total %d)", row.ID, count), reason),
			CreatedAt:   row.CreatedAt,
		})
	})
	if err != nil {
		return model.Warning{}, 0, err
	}
	return warning, count, nil
}

// RemoveLatestWarning deletes the member's most recent warning.
func (s *Store) RemoveLatestWarning(ctx context.Context, communityID, memberID, moderatorID string) (model.Warning, error) {
	return s.removeWarning(ctx, communityID, memberID, moderatorID, 0)
}

// RemoveWarning deletes a specific warning of the member.
func (s *Store) RemoveWarning(ctx context.Context, communityID, memberID, moderatorID string, warningID int64) (model.Warning, error) {
	if warningID <= 0 {
		return model.Warning{}, &model.ValidationError{Field: "warning_id", Reason: "must be positive"}
	}
	return s.removeWarning(ctx, communityID, memberID, moderatorID, warningID)
}

func (s *Store) removeWarning(ctx context.Context, communityID, memberID, moderatorID string, warningID int64) (model.Warning, error) {
	var warning model.Warning
	err := s.mutate(ctx, "remove warning", communityID, memberID, func(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
		query := `SELECT * FROM warnings WHERE community_id = ? AND member_id = ?`
		args := []interface{}{communityID, memberID}
		if warningID > 0 {
			query += " AND id = ?"
			args = append(args, warningID)
		}
		query += " ORDER BY id DESC LIMIT 1"

		var row warningRow
		if err := tx.GetContext(ctx, &row, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return fmt.Errorf("failed to find warning: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM warnings WHERE id = ?`, row.ID); err != nil {
			return fmt.Errorf("failed to delete warning %d: %w", row.ID, err)
		}

		warning = row.toModel()
		return insertLog(ctx, tx, logRow{
			CommunityID: communityID,
			MemberID:    memberID,
			ModeratorID: moderatorID,
			Action:      model.ActionUnwarn,
			Detail:      withReason(fmt.Sprintf("warning #%d removed", row.ID), row.Reason),
			CreatedAt:   toMillis(now),
		})
	})
	if err != nil {
		return model.Warning{}, err
	}
	return warning, nil
}

// CountWarnings returns how many warnings the member currently has.
func (s *Store) CountWarnings(ctx context.Context, communityID, memberID string) (int, error) {
	var count int
	err := s.read(ctx, "count warnings", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM warnings WHERE community_id = ? AND member_id = ?`, communityID, memberID)
	})
	return count, err
}

// ListWarnings returns the member's warnings, oldest first.
func (s *Store) ListWarnings(ctx context.Context, communityID, memberID string) ([]model.Warning, error) {
	var rows []warningRow
	err := s.read(ctx, "list warnings", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM warnings WHERE community_id = ? AND member_id = ? ORDER BY id`, communityID, memberID)
	})
	if err != nil {
		return nil, err
	}
	warnings := make([]model.Warning, 0, len(rows))
	for _, r := range rows {
		warnings = append(warnings, r.toModel())
	}
	return warnings, nil
}

// OpenPunishment records a new punishment. Bans and mutes fail with
// ErrAlreadyActive when one of the same kind is still active; kicks are
// stored as already terminal.
func (s *Store) OpenPunishment(ctx context.Context, req OpenRequest) (model.Punishment, error) {
	if _, err := model.ParseKind(string(req.Kind)); err != nil {
		return model.Punishment{}, err
	}
	if req.Duration < 0 {
		return model.Punishment{}, &model.ValidationError{Field: "duration", Reason: "must not be negative"}
	}
	if req.Kind == model.KindKick && req.Duration > 0 {
		return model.Punishment{}, &model.ValidationError{Field: "duration", Reason: "kicks cannot have a duration"}
	}
	action := req.LogAction
	if action == "" {
		action = model.ActionOpen
	}

	var punishment model.Punishment
	err := s.mutate(ctx, "open punishment", req.CommunityID, req.MemberID, func(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
		active := req.Kind.HasActiveState()
		if active {
			var existing int
			err := tx.GetContext(ctx, &existing,
				`SELECT COUNT(*) FROM punishments WHERE community_id = ? AND member_id = ? AND kind = ? AND active = 1`,
				req.CommunityID, req.MemberID, string(req.Kind))
			if err != nil {
				return fmt.Errorf("failed to check active punishments: %w", err)
			}
			if existing > 0 {
				return model.ErrAlreadyActive
			}
		}

		row := punishmentRow{
			CommunityID: req.CommunityID,
			MemberID:    req.MemberID,
			ModeratorID: req.ModeratorID,
			Kind:        string(req.Kind),
			Reason:      req.Reason,
			CreatedAt:   toMillis(now),
			Active:      active,
		}
		if req.Duration > 0 {
			expires := now.Add(req.Duration)
			row.ExpiresAt = nullMillis(&expires)
		}

		query := `INSERT INTO punishments (community_id, member_id, moderator_id, kind, reason, created_at, expires_at, active, reversed_by)
				  VALUES (:community_id, :member_id, :moderator_id, :kind, :reason, :created_at, :expires_at, :active, :reversed_by)`
		result, err := tx.NamedExecContext(ctx, query, row)
		if err != nil {
			return fmt.Errorf("failed to insert punishment: %w", err)
		}
		row.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}

		detail := fmt.Sprintf("%s #%d", req.Kind, row.ID)
		if row.ExpiresAt.Valid {
			detail += fmt.Sprintf(" for %s", req.Duration)
		}
		punishment = row.toModel()
		return insertLog(ctx, tx, logRow{
			CommunityID: req.CommunityID,
			MemberID:    req.MemberID,
			ModeratorID: req.ModeratorID,
			Action:      action,
			Detail:      withReason(detail, req.Reason),
			CreatedAt:   row.CreatedAt,
		})
	})
	if err != nil {
		return model.Punishment{}, err
	}
	return punishment, nil
}

// ClosePunishment deactivates the member's active punishment of the given kind.
// It fails with ErrNotFound when there is nothing to close, including when a
// concurrent close won the race.
func (s *Store) ClosePunishment(ctx context.Context, req CloseRequest) (model.Punishment, error) {
	closedBy := req.ClosedBy
	if closedBy == "" {
		closedBy = model.ClosedManual
	}
	action := model.ActionClose
	if closedBy == model.ClosedExpiry {
		action = model.ActionExpiry
	}

	var punishment model.Punishment
	err := s.mutate(ctx, "close punishment", req.CommunityID, req.MemberID, func(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
		query := `SELECT ` + punishmentColumns + ` FROM punishments
				  WHERE community_id = ? AND member_id = ? AND kind = ? AND active = 1`
		args := []interface{}{req.CommunityID, req.MemberID, string(req.Kind)}
		if req.PunishmentID > 0 {
			query += " AND id = ?"
			args = append(args, req.PunishmentID)
		}
		query += " ORDER BY id DESC LIMIT 1"

		var row punishmentRow
		if err := tx.GetContext(ctx, &row, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return fmt.Errorf("failed to find active punishment: %w", err)
		}

		reversedAt := toMillis(now)
		result, err := tx.ExecContext(ctx,
			`UPDATE punishments SET active = 0, reversed_at = ?, reversed_by = ? WHERE id = ? AND active = 1`,
			reversedAt, string(closedBy), row.ID)
		if err != nil {
			return fmt.Errorf("failed to close punishment %d: %w", row.ID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected for punishment %d: %w", row.ID, err)
		}
		if rowsAffected == 0 {
			return model.ErrNotFound
		}

		row.Active = false
		row.ReversedAt = sql.NullInt64{Int64: reversedAt, Valid: true}
		row.ReversedBy = string(closedBy)
		punishment = row.toModel()

		return insertLog(ctx, tx, logRow{
			CommunityID: req.CommunityID,
			MemberID:    req.MemberID,
			ModeratorID: req.ModeratorID,
			Action:      action,
			Detail:      withReason(fmt.Sprintf("%s #%d lifted", req.Kind, row.ID), req.Reason),
			CreatedAt:   reversedAt,
		})
	})
	if err != nil {
		return model.Punishment{}, err
	}
	return punishment, nil
}

// ListOverdue yields every active punishment whose expiry is at or before now,
// across all communities. Rows are loaded page by page in id order, so rows
// closed while iterating do not disturb the scan.
func (s *Store) ListOverdue(ctx context.Context, now time.Time) iter.Seq2[model.Punishment, error] {
	return func(yield func(model.Punishment, error) bool) {
		var lastID int64
		for {
			var rows []punishmentRow
			err := s.read(ctx, "list overdue", func(ctx context.Context) error {
				return s.db.SelectContext(ctx, &rows,
					`SELECT `+punishmentColumns+` FROM punishments
					 WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ? AND id > ?
					 ORDER BY id LIMIT ?`,
					toMillis(now), lastID, overduePageSize)
			})
			if err != nil {
				yield(model.Punishment{}, err)
				return
			}
			for _, r := range rows {
				if !yield(r.toModel(), nil) {
					return
				}
				lastID = r.ID
			}
			if len(rows) < overduePageSize {
				return
			}
		}
	}
}

// History returns the member's moderation log, oldest first.
func (s *Store) History(ctx context.Context, communityID, memberID string) ([]model.ModLogEntry, error) {
	var rows []logRow
	err := s.read(ctx, "history", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM mod_log WHERE community_id = ? AND member_id = ? ORDER BY id`, communityID, memberID)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]model.ModLogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toModel())
	}
	return entries, nil
}

// ListPunishments returns every punishment of a member, oldest first.
func (s *Store) ListPunishments(ctx context.Context, communityID, memberID string) ([]model.Punishment, error) {
	var rows []punishmentRow
	err := s.read(ctx, "list punishments", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT `+punishmentColumns+` FROM punishments WHERE community_id = ? AND member_id = ? ORDER BY id`,
			communityID, memberID)
	})
	if err != nil {
		return nil, err
	}
	return toPunishments(rows), nil
}

// ActivePunishments returns the active bans and mutes of a community.
func (s *Store) ActivePunishments(ctx context.Context, communityID string) ([]model.Punishment, error) {
	var rows []punishmentRow
	err := s.read(ctx, "active punishments", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT `+punishmentColumns+` FROM punishments WHERE community_id = ? AND active = 1 ORDER BY id`,
			communityID)
	})
	if err != nil {
		return nil, err
	}
	return toPunishments(rows), nil
}

// ModeratorStats counts the log entries of each moderator in a community since the given time.
func (s *Store) ModeratorStats(ctx context.Context, communityID string, since time.Time) (map[string]int, error) {
	stats := make(map[string]int)
	err := s.read(ctx, "moderator stats", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT moderator_id, COUNT(*) AS count FROM mod_log
			 WHERE community_id = ? AND created_at >= ? GROUP BY moderator_id ORDER BY count DESC`,
			communityID, toMillis(since))
		if err != nil {
			return fmt.Errorf("failed to get moderator stats for community %s: %w", communityID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var moderatorID string
			var count int
			if err := rows.Scan(&moderatorID, &count); err != nil {
				return fmt.Errorf("failed to scan moderator stats row: %w", err)
			}
			stats[moderatorID] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ActionCounts counts log entries per action in a community since the given time.
func (s *Store) ActionCounts(ctx context.Context, communityID string, since time.Time) (map[string]int, error) {
	type actionCount struct {
		Action string `db:"action"`
		Count  int    `db:"count"`
	}
	var rows []actionCount
	err := s.read(ctx, "action counts", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT action, COUNT(*) AS count FROM mod_log WHERE community_id = ? AND created_at >= ? GROUP BY action`,
			communityID, toMillis(since))
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Action] = r.Count
	}
	return counts, nil
}

// Communities returns every community that has moderation history.
func (s *Store) Communities(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, "communities", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &ids, `SELECT DISTINCT community_id FROM mod_log ORDER BY community_id`)
	})
	return ids, err
}
