package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

type ScheduleRequest struct {
	UserID  string
	Channel string
	Body    string
	SendAt  time.Time
}

// GetCredential returns the credential on file for userID, or
// ErrNotAuthorized when the user never connected (or disconnected).
func (s *Store) GetCredential(ctx context.Context, userID string) (Credential, error) {
	var c Credential
	err := s.DB.QueryRow(ctx, `
		SELECT user_id, access_token, refresh_token, expires_at, slack_user_id, updated_at
		FROM slack_credentials WHERE user_id=$1
	`, userID).Scan(&c.UserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.SlackUserID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotAuthorized
	}
	return c, err
}

// UpsertCredential replaces the whole credential row, keyed by user_id. Used
// both by the OAuth callback (first connect) and by token refresh.
func (s *Store) UpsertCredential(ctx context.Context, c Credential) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO slack_credentials(user_id, access_token, refresh_token, expires_at, slack_user_id, updated_at)
		VALUES($1,$2,$3,$4,$5,now())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			slack_user_id = EXCLUDED.slack_user_id,
			updated_at = now()
	`, c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.SlackUserID)
	return err
}

func (s *Store) HasCredential(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM slack_credentials WHERE user_id=$1`, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ScheduleDelivery creates a pending delivery. The due instant must be
// strictly in the future and channel/body must be non-empty.
func (s *Store) ScheduleDelivery(ctx context.Context, r ScheduleRequest) (int64, error) {
	if r.UserID == "" || r.Channel == "" || r.Body == "" {
		return 0, ErrInvalidInput
	}
	if !r.SendAt.After(time.Now()) {
		return 0, fmt.Errorf("%w: send_at must be in the future", ErrInvalidInput)
	}
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO scheduled_messages(user_id, channel_id, body, send_at, status)
		VALUES($1,$2,$3,$4,'pending')
		RETURNING id
	`, r.UserID, r.Channel, r.Body, r.SendAt).Scan(&id)
	return id, err
}

// ListPending returns the user's not-yet-delivered messages, soonest first.
func (s *Store) ListPending(ctx context.Context, userID string) ([]Delivery, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, channel_id, body, send_at, status, error_code, created_at, sent_at
		FROM scheduled_messages
		WHERE user_id=$1 AND status='pending'
		ORDER BY send_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// CancelDelivery deletes a pending delivery owned by userID. Terminal rows
// cannot be cancelled; a second cancel of the same id reports ErrNotFound and
// mutates nothing.
func (s *Store) CancelDelivery(ctx context.Context, userID string, id int64) error {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM scheduled_messages
		WHERE id=$1 AND user_id=$2 AND status='pending'
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SelectDue returns every pending delivery whose send_at has passed relative
// to now. Terminal rows are never returned. Ordering carries no guarantee.
func (s *Store) SelectDue(ctx context.Context, now time.Time) ([]Delivery, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, channel_id, body, send_at, status, error_code, created_at, sent_at
		FROM scheduled_messages
		WHERE status='pending' AND send_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// MarkSent commits the pending→sent transition. The status guard makes the
// write a no-op if the row already left pending.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='sent', sent_at=now()
		WHERE id=$1 AND status='pending'
	`, id)
	return err
}

// MarkFailed commits pending→failed with an error code for the user to see.
// Failed is terminal: there is no automatic retry, the user reschedules.
func (s *Store) MarkFailed(ctx context.Context, id int64, code string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='failed', error_code=$2
		WHERE id=$1 AND status='pending'
	`, id, code)
	return err
}

func scanDeliveries(rows pgx.Rows) ([]Delivery, error) {
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.UserID, &d.Channel, &d.Body, &d.SendAt, &d.Status, &d.ErrorCode, &d.CreatedAt, &d.SentAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
