package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/intake"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

func TestPendingText(t *testing.T) {
	want := "🐡 Statement Request\n\nBank: Default\nPeriod: March 2026\nRequest ID: abc\n\nOpen Secure Data Fetcher on iPhone to approve."
	assert.Equal(t, want, PendingText("abc", 3, 2026))
	assert.Contains(t, PendingText("abc", 13, 2026), "Period: 13 2026")
}

func TestNewTelegram_DisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewTelegram("", "", "chat"))
	assert.Nil(t, NewTelegram("", "token", ""))

	var tg *Telegram
	assert.False(t, tg.Enabled())
	assert.NoError(t, tg.NotifyPending(context.Background(), intake.Nudge{RequestID: "r"}))
}

func TestNotifyPending(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "123:abc", "42")
	err := tg.NotifyPending(context.Background(), intake.Nudge{
		RequestID: "req-1",
		Params:    requests.Params{Month: 1, Year: 2026},
	})
	require.NoError(t, err)
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "Period: January 2026")
}

func TestNotifyPending_ErrorDoesNotLeakToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "secret-token", "42").NotifyPending(context.Background(), intake.Nudge{RequestID: "r"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")

	srv.Close()
	err = NewTelegram(srv.URL, "secret-token", "42").NotifyPending(context.Background(), intake.Nudge{RequestID: "r"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}
