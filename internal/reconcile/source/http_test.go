package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPSourcePagesAndLooksUpHeads(t *testing.T) {
	var lookup lookupRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(AdminTokenHeader))
		switch r.URL.Path {
		case "/api/sync/heads":
			assert.Equal(t, "book", r.URL.Query().Get("entity_type"))
			assert.Equal(t, "book-0", r.URL.Query().Get("after"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
		case "/api/sync/heads/lookup":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lookup))
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"heads": []map[string]any{{
				"entity_uuid":    "book-1",
				"entity_type":    "book",
				"source_version": 7,
				"operation":      "update",
				"payload":        map[string]any{"title": "Dune"},
				"is_active":      true,
			}},
		})
	}))
	defer srv.Close()

	src := NewHTTP(srv.URL+"/", "secret", srv.Client(), nil)

	heads, err := src.Page(context.Background(), referencedomain.EntityTypeBook, "book-0", 2)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, int64(7), heads[0].SourceVersion)
	assert.JSONEq(t, `{"title":"Dune"}`, string(heads[0].Payload))

	heads, err = src.Lookup(context.Background(), referencedomain.EntityTypeBook, []string{"book-1"})
	require.NoError(t, err)
	assert.Len(t, heads, 1)
	assert.Equal(t, []string{"book-1"}, lookup.EntityUUIDs)
}

func TestHTTPSourceFailuresAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := breaker.DefaultOptions()
	opts.ConsecutiveFailures = 1
	src := NewHTTP(srv.URL, "", srv.Client(), breaker.NewGroup(opts, zap.NewNop()))

	_, err := src.Page(context.Background(), referencedomain.EntityTypeBook, "", 10)
	assert.ErrorIs(t, err, reconciledomain.ErrSourceUnavailable)

	_, err = src.Page(context.Background(), referencedomain.EntityTypeBook, "", 10)
	assert.ErrorIs(t, err, reconciledomain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), breaker.ErrOpen.Error())
}
