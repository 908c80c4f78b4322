package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/signal"
)

func TestWebhookRenderer(t *testing.T) {
	var (
		mu      sync.Mutex
		posted  []map[string]any
		deleted []string
		auth    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/alerts":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			posted = append(posted, body)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodDelete && r.URL.Path == "/alerts/h1":
			deleted = append(deleted, "h1")
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	r, err := NewWebhookRenderer(WebhookConfig{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, err)

	sig, err := signal.Classify(signal.Raw{Kind: "incoming_call", SourceID: "alice"}, t0)
	require.NoError(t, err)
	cmd := CommandFor(sig, signal.KeyFor(sig, 0), "h1")

	ctx := context.Background()
	require.NoError(t, r.Render(ctx, cmd))
	require.NoError(t, r.Withdraw(ctx, "h1"))
	require.NoError(t, r.Withdraw(ctx, "gone"), "404 means already withdrawn")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posted, 1)
	assert.Equal(t, "h1", posted[0]["handleId"])
	assert.Equal(t, "calls", posted[0]["channel"])
	assert.Equal(t, float64(30000), posted[0]["timeoutMs"])
	assert.Equal(t, []string{"h1"}, deleted)
	assert.Equal(t, "Bearer secret", auth)
}

func TestWebhookRenderer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewWebhookRenderer(WebhookConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	assert.Error(t, r.Render(context.Background(), Command{HandleID: "h1"}))
	assert.Error(t, r.Withdraw(context.Background(), "h1"))
}

func TestNewWebhookRenderer_Validation(t *testing.T) {
	_, err := NewWebhookRenderer(WebhookConfig{})
	assert.Error(t, err)
	_, err = NewWebhookRenderer(WebhookConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestLogRenderer(t *testing.T) {
	r := NewLogRenderer(logger.Nop())
	assert.NoError(t, r.Render(context.Background(), Command{HandleID: "h1"}))
	assert.NoError(t, r.Withdraw(context.Background(), "h1"))
}
