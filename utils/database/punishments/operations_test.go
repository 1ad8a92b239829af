package punishments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	db, err := Init(filepath.Join(t.TempDir(), "data", "moderation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock()
	mock.Set(testStart)
	return NewStore(db, mock, 5*time.Second), mock
}

func openReq(member string, kind model.Kind, d time.Duration) OpenRequest {
	return OpenRequest{
		CommunityID: "g1",
		MemberID:    member,
		ModeratorID: "mod1",
		Kind:        kind,
		Reason:      "test",
		Duration:    d,
	}
}

func closeReq(member string, kind model.Kind) CloseRequest {
	return CloseRequest{
		CommunityID: "g1",
		MemberID:    member,
		ModeratorID: "mod1",
		Kind:        kind,
		ClosedBy:    model.ClosedManual,
	}
}

func TestInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moderation.db")
	db, err := Init(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Init(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestWarnings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, mock := newTestStore(t)

	_, err := s.RemoveLatestWarning(ctx, "g1", "u1", "mod1")
	assert.ErrorIs(err, model.ErrNotFound)

	w1, count, err := s.AddWarning(ctx, "g1", "u1", "mod1", "spam")
	assert.NoError(err)
	assert.Equal(1, count)
	assert.Equal("spam", w1.Reason)
	assert.Equal(testStart, w1.CreatedAt)

	mock.Add(time.Minute)
	w2, count, err := s.AddWarning(ctx, "g1", "u1", "mod2", "flood")
	assert.NoError(err)
	assert.Equal(2, count)

	_, count, err = s.AddWarning(ctx, "g1", "u2", "mod1", "")
	assert.NoError(err)
	assert.Equal(1, count)

	removed, err := s.RemoveLatestWarning(ctx, "g1", "u1", "mod1")
	assert.NoError(err)
	assert.Equal(w2.ID, removed.ID)

	count, err = s.CountWarnings(ctx, "g1", "u1")
	assert.NoError(err)
	assert.Equal(1, count)

	warnings, err := s.ListWarnings(ctx, "g1", "u1")
	assert.NoError(err)
	if assert.Len(warnings, 1) {
		assert.Equal(w1.ID, warnings[0].ID)
	}
}

func TestRemoveWarningByID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	w1, _, err := s.AddWarning(ctx, "g1", "u1", "mod1", "one")
	require.NoError(t, err)
	_, _, err = s.AddWarning(ctx, "g1", "u1", "mod1", "two")
	require.NoError(t, err)
	other, _, err := s.AddWarning(ctx, "g1", "u2", "mod1", "other")
	require.NoError(t, err)

	_, err = s.RemoveWarning(ctx, "g1", "u1", "mod1", other.ID)
	assert.ErrorIs(err, model.ErrNotFound)

	_, err = s.RemoveWarning(ctx, "g1", "u1", "mod1", 0)
	assert.ErrorIs(err, model.ErrValidation)

	removed, err := s.RemoveWarning(ctx, "g1", "u1", "mod1", w1.ID)
	assert.NoError(err)
	assert.Equal("one", removed.Reason)

	warnings, err := s.ListWarnings(ctx, "g1", "u1")
	assert.NoError(err)
	if assert.Len(warnings, 1) {
		assert.Equal("two", warnings[0].Reason)
	}
}

func TestOpenPunishmentSingleActive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	ban, err := s.OpenPunishment(ctx, openReq("u1", model.KindBan, 0))
	assert.NoError(err)
	assert.True(ban.Active)
	assert.True(ban.Permanent())

	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindBan, time.Hour))
	assert.ErrorIs(err, model.ErrAlreadyActive)

	mute, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	assert.NoError(err)
	if assert.NotNil(mute.ExpiresAt) {
		assert.Equal(testStart.Add(time.Hour), *mute.ExpiresAt)
	}

	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindMute, 0))
	assert.ErrorIs(err, model.ErrAlreadyActive)

	for i := 0; i < 2; i++ {
		kick, err := s.OpenPunishment(ctx, openReq("u1", model.KindKick, 0))
		assert.NoError(err)
		assert.False(kick.Active)
		assert.Nil(kick.ReversedAt)
	}

	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindKick, time.Hour))
	assert.ErrorIs(err, model.ErrValidation)
	_, err = s.OpenPunishment(ctx, openReq("u1", model.Kind("timeout"), 0))
	assert.ErrorIs(err, model.ErrValidation)

	active, err := s.ActivePunishments(ctx, "g1")
	assert.NoError(err)
	assert.Len(active, 2)

	all, err := s.ListPunishments(ctx, "g1", "u1")
	assert.NoError(err)
	assert.Len(all, 4)
}

func TestClosePunishment(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, mock := newTestStore(t)

	_, err := s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	assert.ErrorIs(err, model.ErrNotFound)

	opened, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	require.NoError(t, err)

	mock.Add(10 * time.Minute)
	closed, err := s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	assert.NoError(err)
	assert.Equal(opened.ID, closed.ID)
	assert.False(closed.Active)
	assert.Equal(model.ClosedManual, closed.ReversedBy)
	if assert.NotNil(closed.ReversedAt) {
		assert.Equal(testStart.Add(10*time.Minute), *closed.ReversedAt)
	}

	_, err = s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	assert.ErrorIs(err, model.ErrNotFound)

	// a new mute can be opened once the old one is closed
	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	assert.NoError(err)

	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindKick, 0))
	require.NoError(t, err)
	_, err = s.ClosePunishment(ctx, closeReq("u1", model.KindKick))
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestClosePunishmentByID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	first, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	require.NoError(t, err)
	_, err = s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	require.NoError(t, err)
	second, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	require.NoError(t, err)

	req := closeReq("u1", model.KindMute)
	req.PunishmentID = first.ID
	req.ClosedBy = model.ClosedExpiry
	_, err = s.ClosePunishment(ctx, req)
	assert.ErrorIs(err, model.ErrNotFound)

	req.PunishmentID = second.ID
	closed, err := s.ClosePunishment(ctx, req)
	assert.NoError(err)
	assert.Equal(model.ClosedExpiry, closed.ReversedBy)

	history, err := s.History(ctx, "g1", "u1")
	assert.NoError(err)
	if assert.NotEmpty(history) {
		assert.Equal(model.ActionExpiry, history[len(history)-1].Action)
	}
}

func TestConcurrentCloseExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := closeReq("u1", model.KindMute)
			if i%2 == 0 {
				req.ClosedBy = model.ClosedExpiry
			}
			_, err := s.ClosePunishment(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, model.ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, notFound)
	assert.Equal(t, 0, s.locks.size())
}

func TestListOverdue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, mock := newTestStore(t)

	short, err := s.OpenPunishment(ctx, openReq("u1", model.KindMute, time.Hour))
	require.NoError(t, err)
	_, err = s.OpenPunishment(ctx, openReq("u1", model.KindBan, 0))
	require.NoError(t, err)
	_, err = s.OpenPunishment(ctx, openReq("u2", model.KindMute, 2*time.Hour))
	require.NoError(t, err)

	var overdue []model.Punishment
	for p, err := range s.ListOverdue(ctx, mock.Now()) {
		require.NoError(t, err)
		overdue = append(overdue, p)
	}
	assert.Empty(overdue)

	mock.Add(time.Hour)
	for p, err := range s.ListOverdue(ctx, mock.Now()) {
		require.NoError(t, err)
		overdue = append(overdue, p)
	}
	if assert.Len(overdue, 1) {
		assert.Equal(short.ID, overdue[0].ID)
		assert.True(overdue[0].Overdue(mock.Now()))
	}
}

func TestListOverduePages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, mock := newTestStore(t)

	total := 2*overduePageSize + 5
	for i := 0; i < total; i++ {
		_, err := s.OpenPunishment(ctx, openReq(fmt.Sprintf("u%d", i), model.KindMute, time.Minute))
		require.NoError(t, err)
	}
	mock.Add(time.Minute)

	seen := make(map[int64]bool)
	for p, err := range s.ListOverdue(ctx, mock.Now()) {
		require.NoError(t, err)
		// closing while iterating must not skip rows
		_, err = s.ClosePunishment(ctx, CloseRequest{
			CommunityID:  p.CommunityID,
			MemberID:     p.MemberID,
			ModeratorID:  model.SystemModerator,
			Kind:         p.Kind,
			ClosedBy:     model.ClosedExpiry,
			PunishmentID: p.ID,
		})
		require.NoError(t, err)
		seen[p.ID] = true
	}
	assert.Len(seen, total)

	taken := 0
	for range s.ListOverdue(ctx, mock.Now()) {
		taken++
	}
	assert.Zero(taken)
}

func TestListOverdueStopsEarly(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.OpenPunishment(ctx, openReq(fmt.Sprintf("u%d", i), model.KindMute, time.Second))
		require.NoError(t, err)
	}
	mock.Add(time.Second)

	taken := 0
	for range s.ListOverdue(ctx, mock.Now()) {
		taken++
		break
	}
	assert.Equal(t, 1, taken)
}

func TestHistoryRecordsMutations(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, _, err := s.AddWarning(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	_, err = s.RemoveLatestWarning(ctx, "g1", "u1", "mod1")
	require.NoError(t, err)
	req := openReq("u1", model.KindMute, time.Hour)
	req.LogAction = model.ActionAutoEscalation
	req.ModeratorID = model.SystemModerator
	_, err = s.OpenPunishment(ctx, req)
	require.NoError(t, err)
	_, err = s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	require.NoError(t, err)

	// failed mutations leave no trace
	_, err = s.ClosePunishment(ctx, closeReq("u1", model.KindMute))
	require.ErrorIs(t, err, model.ErrNotFound)

	history, err := s.History(ctx, "g1", "u1")
	assert.NoError(err)
	var actions []string
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	assert.Equal([]string{model.ActionWarn, model.ActionUnwarn, model.ActionAutoEscalation, model.ActionClose}, actions)
	assert.Equal(model.SystemModerator, history[2].ModeratorID)
}

func TestModeratorStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, mock := newTestStore(t)

	_, _, err := s.AddWarning(ctx, "g1", "u1", "mod1", "")
	require.NoError(t, err)
	mock.Add(48 * time.Hour)
	since := mock.Now()
	_, _, err = s.AddWarning(ctx, "g1", "u1", "mod1", "")
	require.NoError(t, err)
	_, _, err = s.AddWarning(ctx, "g1", "u2", "mod2", "")
	require.NoError(t, err)
	_, err = s.OpenPunishment(ctx, openReq("u2", model.KindKick, 0))
	require.NoError(t, err)
	_, _, err = s.AddWarning(ctx, "g2", "u1", "mod3", "")
	require.NoError(t, err)

	stats, err := s.ModeratorStats(ctx, "g1", since)
	assert.NoError(err)
	assert.Equal(map[string]int{"mod1": 2, "mod2": 1}, stats)

	counts, err := s.ActionCounts(ctx, "g1", since)
	assert.NoError(err)
	assert.Equal(map[string]int{model.ActionWarn: 2, model.ActionOpen: 1}, counts)

	communities, err := s.Communities(ctx)
	assert.NoError(err)
	assert.Equal([]string{"g1", "g2"}, communities)
}

func TestStorageError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.DB().Close())

	_, _, err := s.AddWarning(ctx, "g1", "u1", "mod1", "")
	assert.ErrorIs(t, err, model.ErrStorage)

	var storageErr *model.StorageError
	if assert.ErrorAs(t, err, &storageErr) {
		assert.Equal(t, "add warning", storageErr.Op)
	}

	_, err = s.History(ctx, "g1", "u1")
	assert.ErrorIs(t, err, model.ErrStorage)
}

func TestMutationTimesOutWaitingForMemberLock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.timeout = 50 * time.Millisecond

	unlock, err := s.locks.lock(ctx, memberKey("g1", "u1"))
	require.NoError(t, err)

	start := time.Now()
	_, _, err = s.AddWarning(ctx, "g1", "u1", "mod1", "blocked")
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	s.timeout = 5 * time.Second

	// other members are not blocked
	_, count, err := s.AddWarning(ctx, "g1", "u2", "mod1", "free")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unlock()
	assert.Equal(t, 0, s.locks.size())

	_, count, err = s.AddWarning(ctx, "g1", "u1", "mod1", "after release")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
