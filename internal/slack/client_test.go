package slack_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/armandaspatt/slack-scheduler/internal/slack"
	"github.com/stretchr/testify/require"
)

func TestPostMessage(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := slack.NewClient("xoxp-token", slack.WithBaseURL(srv.URL))
	require.NoError(t, c.PostMessage(context.Background(), "C123", "hello"))
	require.Equal(t, "Bearer xoxp-token", gotAuth)
	require.Equal(t, "C123", gotBody["channel"])
	require.Equal(t, "hello", gotBody["text"])
}

func TestPostMessageErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	c := slack.NewClient("xoxp-token", slack.WithBaseURL(srv.URL))
	err := c.PostMessage(context.Background(), "C404", "hello")
	var apiErr *slack.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "channel_not_found", apiErr.Code)
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.conversations", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("types"), "private_channel")
		_, _ = w.Write([]byte(`{"ok":true,"channels":[
			{"id":"C1","name":"general"},
			{"id":"D1","name":"","is_im":true}
		]}`))
	}))
	defer srv.Close()

	c := slack.NewClient("xoxp-token", slack.WithBaseURL(srv.URL))
	chans, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, chans, 2)
	require.Equal(t, "general", chans[0].Name)
	require.True(t, chans[1].IsIM)
}

func TestHTTPFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := slack.NewClient("xoxp-token", slack.WithBaseURL(srv.URL))
	require.Error(t, c.PostMessage(context.Background(), "C1", "x"))
}
