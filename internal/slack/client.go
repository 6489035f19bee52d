package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://slack.com/api"

// Handle is an authenticated client surface bound to exactly one access
// token. Holders use it for one batch of calls and drop it; the next batch
// acquires a fresh one so token renewal stays invisible to callers.
type Handle interface {
	PostMessage(ctx context.Context, channel, text string) error
	ListConversations(ctx context.Context) ([]Conversation, error)
}

type Conversation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	IsIM      bool   `json:"is_im"`
}

// APIError is a Slack error envelope ({"ok":false,"error":"..."}).
type APIError struct{ Code string }

func (e *APIError) Error() string { return "slack: " + e.Code }

type Client struct {
	token string
	base  string
	hc    *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.base = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{token: token, base: DefaultBaseURL, hc: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AccessToken reports which token this handle is bound to.
func (c *Client) AccessToken() string { return c.token }

func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	payload := map[string]string{"channel": channel, "text": text}
	if err := c.postJSON(ctx, "chat.postMessage", payload, &out); err != nil {
		return err
	}
	if !out.OK {
		return &APIError{Code: out.Error}
	}
	return nil
}

// ListConversations returns every channel-like destination the user can post
// to: public and private channels, group DMs and DMs.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		OK       bool           `json:"ok"`
		Error    string         `json:"error"`
		Channels []Conversation `json:"channels"`
	}
	q := url.Values{"types": {"public_channel,private_channel,mpim,im"}}
	if err := c.get(ctx, "users.conversations", q, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, &APIError{Code: out.Error}
	}
	return out.Channels, nil
}

func (c *Client) postJSON(ctx context.Context, method string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, method string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
