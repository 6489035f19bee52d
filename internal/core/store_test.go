package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/armandaspatt/slack-scheduler/internal/core"
	database "github.com/armandaspatt/slack-scheduler/internal/db"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *core.Store {
	pool := database.StartTestPostgres(t)
	return &core.Store{DB: pool}
}

func connectUser(t *testing.T, s *core.Store, userID string) {
	t.Helper()
	rt := "rt-" + userID
	require.NoError(t, s.UpsertCredential(context.Background(), core.Credential{
		UserID:       userID,
		AccessToken:  "xoxp-" + userID,
		RefreshToken: &rt,
		ExpiresAt:    time.Now().Add(12 * time.Hour),
		SlackUserID:  userID,
	}))
}

func schedule(t *testing.T, s *core.Store, userID string, sendAt time.Time) int64 {
	t.Helper()
	id, err := s.ScheduleDelivery(context.Background(), core.ScheduleRequest{
		UserID: userID, Channel: "C123", Body: "hello", SendAt: sendAt,
	})
	require.NoError(t, err)
	return id
}

func TestCredentialUpsertAndGet(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")

	c, err := s.GetCredential(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "xoxp-u1", c.AccessToken)
	require.NotNil(t, c.RefreshToken)

	// Full replace on re-auth, refresh token dropped.
	require.NoError(t, s.UpsertCredential(context.Background(), core.Credential{
		UserID:      "u1",
		AccessToken: "xoxp-u1-new",
		ExpiresAt:   time.Now().Add(time.Hour),
		SlackUserID: "u1",
	}))
	c, err = s.GetCredential(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "xoxp-u1-new", c.AccessToken)
	require.Nil(t, c.RefreshToken)
}

func TestGetCredentialAbsent(t *testing.T) {
	s := newStore(t)
	_, err := s.GetCredential(context.Background(), "nobody")
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	ok, err := s.HasCredential(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScheduleAndListPendingRoundTrip(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")

	sendAt := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	id := schedule(t, s, "u1", sendAt)

	items, err := s.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, id, items[0].ID)
	require.Equal(t, "C123", items[0].Channel)
	require.Equal(t, "hello", items[0].Body)
	require.Equal(t, core.StatusPending, items[0].Status)
	require.WithinDuration(t, sendAt, items[0].SendAt, time.Millisecond)
}

func TestListPendingOrderedBySendAt(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")

	later := schedule(t, s, "u1", time.Now().Add(3*time.Hour))
	sooner := schedule(t, s, "u1", time.Now().Add(1*time.Hour))

	items, err := s.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, sooner, items[0].ID)
	require.Equal(t, later, items[1].ID)
}

func TestScheduleValidation(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")

	_, err := s.ScheduleDelivery(context.Background(), core.ScheduleRequest{
		UserID: "u1", Channel: "C1", Body: "x", SendAt: time.Now().Add(-time.Second),
	})
	require.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = s.ScheduleDelivery(context.Background(), core.ScheduleRequest{
		UserID: "u1", Channel: "", Body: "x", SendAt: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = s.ScheduleDelivery(context.Background(), core.ScheduleRequest{
		UserID: "u1", Channel: "C1", Body: "", SendAt: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCancelTwiceSecondNotFound(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")
	id := schedule(t, s, "u1", time.Now().Add(time.Hour))

	require.NoError(t, s.CancelDelivery(context.Background(), "u1", id))
	err := s.CancelDelivery(context.Background(), "u1", id)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCancelForeignDeliveryNotFound(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "owner")
	connectUser(t, s, "other")
	id := schedule(t, s, "owner", time.Now().Add(time.Hour))

	require.ErrorIs(t, s.CancelDelivery(context.Background(), "other", id), core.ErrNotFound)

	// Still there for the owner.
	items, err := s.ListPending(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestSelectDueExcludesTerminalAndFuture(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")

	due := schedule(t, s, "u1", time.Now().Add(50*time.Millisecond))
	future := schedule(t, s, "u1", time.Now().Add(time.Hour))

	cutoff := time.Now().Add(time.Minute)
	rows, err := s.SelectDue(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, due, rows[0].ID)
	_ = future

	require.NoError(t, s.MarkFailed(context.Background(), due, "send_failed"))

	rows, err = s.SelectDue(context.Background(), cutoff)
	require.NoError(t, err)
	require.Empty(t, rows, "terminal rows never reappear")
}

func TestMarkSentOnlyTransitionsPending(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")
	id := schedule(t, s, "u1", time.Now().Add(50*time.Millisecond))

	require.NoError(t, s.MarkFailed(context.Background(), id, "timeout"))
	// Late MarkSent after the row went terminal must be a no-op.
	require.NoError(t, s.MarkSent(context.Background(), id))

	var status string
	err := s.DB.QueryRow(context.Background(),
		`SELECT status FROM scheduled_messages WHERE id=$1`, id).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, status)
}

func TestDisconnectCascadesDeliveries(t *testing.T) {
	s := newStore(t)
	connectUser(t, s, "u1")
	schedule(t, s, "u1", time.Now().Add(time.Hour))

	_, err := s.DB.Exec(context.Background(), `DELETE FROM slack_credentials WHERE user_id='u1'`)
	require.NoError(t, err)

	items, err := s.ListPending(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, items)
}
