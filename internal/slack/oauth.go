package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultAuthURL  = "https://slack.com/oauth/v2/authorize"
	defaultTokenURL = "https://slack.com/api/oauth.v2.access"

	// Slack omits expires_in for workspaces without token rotation. Those
	// tokens are long-lived; 12h keeps the expiry column populated without
	// forcing renewal attempts that can never succeed.
	DefaultTokenLifetime = 12 * time.Hour
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BotScopes    []string
	UserScopes   []string

	// AuthURL/TokenURL/HTTPClient are overridable for tests.
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Token is the outcome of a code exchange or a refresh. RefreshToken is empty
// when Slack issued none; SlackUserID is only set on the initial exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	SlackUserID  string
}

// OAuth drives the Slack OAuth v2 flow for user tokens.
type OAuth struct {
	cfg        oauth2.Config
	userScopes []string
	hc         *http.Client
}

func NewOAuth(c OAuthConfig) *OAuth {
	authURL := c.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURI,
			Scopes:       c.BotScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userScopes: c.UserScopes,
		hc:         hc,
	}
}

// AuthorizeURL builds the consent URL. user_scope is Slack-specific: it
// carries the scopes requested for the user token (acting as the user), as
// opposed to the standard scope parameter which covers the bot token.
func (o *OAuth) AuthorizeURL(state string) string {
	return o.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("user_scope", strings.Join(o.userScopes, ",")))
}

// wireAccess covers both oauth.v2.access response shapes: the code exchange
// nests the user token under authed_user, the refresh grant returns it at the
// top level.
type wireAccess struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	AuthedUser struct {
		ID           string `json:"id"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	} `json:"authed_user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Exchange trades an authorization code for the user token. The xoxp user
// token is the one that matters here: acting on the user's behalf (their
// channel list, messages posted as them) requires it, not the bot token.
func (o *OAuth) Exchange(ctx context.Context, code string) (Token, error) {
	v := url.Values{
		"client_id":     {o.cfg.ClientID},
		"client_secret": {o.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {o.cfg.RedirectURL},
	}
	var w wireAccess
	if err := o.post(ctx, v, &w); err != nil {
		return Token{}, err
	}
	if !w.OK {
		return Token{}, &APIError{Code: w.Error}
	}
	u := w.AuthedUser
	if u.AccessToken == "" {
		return Token{}, errors.New("slack: no user token in oauth response")
	}
	return Token{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		ExpiresIn:    lifetime(u.ExpiresIn),
		SlackUserID:  u.ID,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. A rejected grant
// comes back as *APIError; callers must not keep using the old token after
// that.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	v := url.Values{
		"client_id":     {o.cfg.ClientID},
		"client_secret": {o.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var w wireAccess
	if err := o.post(ctx, v, &w); err != nil {
		return Token{}, err
	}
	if !w.OK {
		return Token{}, &APIError{Code: w.Error}
	}
	if w.AccessToken == "" {
		return Token{}, errors.New("slack: no access token in refresh response")
	}
	return Token{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresIn:    lifetime(w.ExpiresIn),
	}, nil
}

func lifetime(sec int64) time.Duration {
	if sec <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(sec) * time.Second
}

func (o *OAuth) post(ctx context.Context, v url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint.TokenURL, strings.NewReader(v.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := o.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
