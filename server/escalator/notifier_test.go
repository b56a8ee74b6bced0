package escalator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5*time.Second)
	err := n.Notify(context.Background(), &Notification{
		ThreadID:           7,
		CounterpartAddress: "bio@campus.edu",
		Subject:            "Lab schedule",
		OverdueHuman:       "3h0m0s",
		NotifyAddress:      "operator@coursedesk.example",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), received.ThreadID)
	assert.Equal(t, "bio@campus.edu", received.CounterpartAddress)
	assert.Equal(t, "operator@coursedesk.example", received.NotifyAddress)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 5*time.Second)
	err := n.Notify(context.Background(), &Notification{ThreadID: 1})
	assert.Error(t, err)
}
