package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/responses"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/transport"
)

// mockUpstream returns a responses client talking to an httptest server
// and journaling into an in-memory store.
func mockUpstream(t *testing.T, handler http.HandlerFunc) (*responses.Client, *storage.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := responses.New(transport.NewClientWithBaseURL("test-key", srv.URL),
		responses.WithJournal(store),
		responses.WithPolicy(recovery.DefaultPolicy().WithRetryDelay(0)),
	)
	return c, store
}
