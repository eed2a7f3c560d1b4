package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/entitylink/internal/config"
	"github.com/entitylink/internal/match"
	"github.com/entitylink/internal/normalize"
	"github.com/entitylink/internal/store"
	"github.com/entitylink/internal/web/handlers"
)

type fakeLookup struct {
	entities map[int64]*store.EntityDetail
	domains  map[string]*store.DomainDetail
	stats    store.Stats
	err      error
}

func (f *fakeLookup) GetEntity(ctx context.Context, abn int64) (*store.EntityDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.entities[abn]; ok {
		return e, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeLookup) GetDomain(ctx context.Context, domain string) (*store.DomainDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.domains[domain]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeLookup) Stats(ctx context.Context) (store.Stats, error) {
	return f.stats, f.err
}

func (f *fakeLookup) Ping(ctx context.Context) error {
	return f.err
}

func newTestServer(lookup *fakeLookup, apiKey string) http.Handler {
	norm := normalize.New(normalize.DefaultRules())
	index := match.Build([]match.Entry{
		{ABN: 51824753556, Name: "Acme Pty Ltd", TradingNames: []string{"Acme Widgets"}},
	}, norm)
	m := match.NewMatcher(index, norm, nil, nil)
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, APIKey: apiKey}
	return NewServer(cfg, lookup, m, zap.NewNop()).Handler()
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fixture() *fakeLookup {
	owner := int64(51824753556)
	name := "ACME PTY LTD"
	return &fakeLookup{
		entities: map[int64]*store.EntityDetail{
			owner: {ABN: owner, EntityName: name, TradingNames: []string{"Acme Widgets"}, Domains: []string{"acme.com.au"}},
		},
		domains: map[string]*store.DomainDetail{
			"acme.com.au": {ID: 1, Domain: "acme.com.au", ABN: &owner, EntityName: &name,
				Metadata: []store.MetadataRow{}, SocialLinks: []store.SocialLinkRow{}},
		},
		stats: store.Stats{Entities: 1, Domains: 1, OwnedDomains: 1},
	}
}

func TestLookupRoutes(t *testing.T) {
	h := newTestServer(fixture(), "")

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"entity", "/api/entities/51824753556", http.StatusOK, `"entity_name":"ACME PTY LTD"`},
		{"entity missing", "/api/entities/1", http.StatusNotFound, `"error":"Entity not found"`},
		{"entity non numeric", "/api/entities/acme", http.StatusNotFound, ""},
		{"domain", "/api/domains/acme.com.au", http.StatusOK, `"abn":51824753556`},
		{"domain case folded", "/api/domains/ACME.com.au", http.StatusOK, `"domain":"acme.com.au"`},
		{"domain missing", "/api/domains/nope.com.au", http.StatusNotFound, `"error":"Domain not found"`},
		{"stats", "/api/stats", http.StatusOK, `"entities":1`},
		{"health", "/healthz", http.StatusOK, `"status":"ok"`},
		{"metrics", "/metrics", http.StatusOK, "entitylink_http_request_duration_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestStoreErrors(t *testing.T) {
	lookup := fixture()
	lookup.err = errors.New("connection refused")
	h := newTestServer(lookup, "")

	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/entities/51824753556").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/domains/acme.com.au").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/stats").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
}

func TestMatchEndpoint(t *testing.T) {
	h := newTestServer(fixture(), "")

	tests := []struct {
		name       string
		path       string
		matched    bool
		normalized string
	}{
		{"name", "/api/match?q=ACME+Pty.+Ltd.", true, "acme"},
		{"trading name", "/api/match?q=acme+widgets", true, "acme widgets"},
		{"domain", "/api/match?domain=www.acme.com.au", true, "acme"},
		{"no match", "/api/match?q=river+timber", false, "river timber"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp handlers.MatchResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.matched, resp.Matched)
			assert.Equal(t, tt.normalized, resp.Normalized)
			if tt.matched {
				require.Len(t, resp.Entities, 1)
				assert.Equal(t, int64(51824753556), resp.Entities[0].ABN)
				assert.GreaterOrEqual(t, resp.Score, 90.0)
			} else {
				assert.Empty(t, resp.Entities)
			}
		})
	}

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/match").Code)
}

func TestAPIKey(t *testing.T) {
	h := newTestServer(fixture(), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/stats").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/stats", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/stats", "X-API-Key", "s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code, "health is not behind the key")
}
