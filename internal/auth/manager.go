// Package auth owns the credential lifecycle: handing out Slack handles bound
// to a currently-valid access token, refreshing and persisting tokens as they
// approach expiry.
package auth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/armandaspatt/slack-scheduler/internal/core"
	"github.com/armandaspatt/slack-scheduler/internal/metrics"
	"github.com/armandaspatt/slack-scheduler/internal/slack"
)

// CredentialStore is the persistence surface the manager needs. Only the
// manager writes credential rows; nothing else in the process touches them.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (core.Credential, error)
	UpsertCredential(ctx context.Context, c core.Credential) error
}

// TokenClient refreshes an access token at the provider.
type TokenClient interface {
	Refresh(ctx context.Context, refreshToken string) (slack.Token, error)
}

type Options struct {
	// RenewalSkew is how long before expiry a token counts as stale.
	// It absorbs clock drift and in-flight latency so a handle never
	// starts a call with a token about to die mid-call. Default 5m.
	RenewalSkew time.Duration

	// PreserveRefreshToken keeps the old refresh token when a refresh
	// response omits a new one. Off by default: Slack rotation treats
	// refresh tokens as single-use, so a retained one is already dead.
	PreserveRefreshToken bool

	// Now overrides the clock in tests.
	Now func() time.Time

	// NewHandle overrides how a handle is built from an access token.
	// Defaults to a Slack client against the public API.
	NewHandle func(accessToken string) slack.Handle
}

type Manager struct {
	store  CredentialStore
	tokens TokenClient
	opt    Options

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store CredentialStore, tokens TokenClient, opt Options) *Manager {
	if opt.RenewalSkew <= 0 {
		opt.RenewalSkew = 5 * time.Minute
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewHandle == nil {
		opt.NewHandle = func(tok string) slack.Handle { return slack.NewClient(tok) }
	}
	return &Manager{
		store:  store,
		tokens: tokens,
		opt:    opt,
		locks:  make(map[string]*userLock),
	}
}

// Acquire returns a handle bound to a currently-valid access token for the
// user, refreshing the token first when it is near expiry. Returns
// core.ErrNotAuthorized when no credential is on file and
// core.ErrRenewalFailed when Slack rejects the refresh; in the latter case
// the stale token is never handed out.
//
// The whole load-check-refresh-persist sequence runs under a per-user lock,
// so concurrent acquisitions for one user trigger at most one refresh and
// cannot lose each other's credential write. Different users do not contend.
func (m *Manager) Acquire(ctx context.Context, userID string) (slack.Handle, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.opt.Now()
	if now.Before(cred.ExpiresAt.Add(-m.opt.RenewalSkew)) {
		return m.opt.NewHandle(cred.AccessToken), nil
	}

	if cred.RefreshToken == nil {
		// No renewal path for this credential. Hand out the current
		// token and let the downstream call fail if it is truly dead;
		// some workspaces issue long-lived tokens without rotation.
		return m.opt.NewHandle(cred.AccessToken), nil
	}

	tok, err := m.tokens.Refresh(ctx, *cred.RefreshToken)
	if err != nil {
		metrics.TokenRenewals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", core.ErrRenewalFailed, err)
	}
	metrics.TokenRenewals.WithLabelValues("ok").Inc()

	cred.AccessToken = tok.AccessToken
	switch {
	case tok.RefreshToken != "":
		rt := tok.RefreshToken
		cred.RefreshToken = &rt
	case !m.opt.PreserveRefreshToken:
		cred.RefreshToken = nil
	}
	cred.ExpiresAt = now.Add(tok.ExpiresIn)

	if err := m.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}
	log.Printf("auth: refreshed token for user %s, expires %s", userID, cred.ExpiresAt.Format(time.RFC3339))

	return m.opt.NewHandle(cred.AccessToken), nil
}

// lockUser takes the exclusive per-user lock and returns its release func.
// Entries are refcounted so the table does not grow with every user ever
// seen.
func (m *Manager) lockUser(userID string) func() {
	m.mu.Lock()
	l := m.locks[userID]
	if l == nil {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
}
