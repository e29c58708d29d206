package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/rowstore/sqlite"
	"github.com/listenupapp/cartshare/internal/sse"
)

const (
	asAlice = UserIDHeader + ": user-a"
	asBob   = UserIDHeader + ": user-b"
	asCarol = UserIDHeader + ": user-c"
)

// testServer wraps the API server for testing.
type testServer struct {
	*Server
	api   humatest.TestAPI
	store *sqlite.Store
}

// setupTestServer creates a server over a temp sqlite store seeded with
// alice, bob and carol, and a list alice sent to bob.
func setupTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts := Options{Store: st, Feed: st.Feed(), Metrics: metrics.New()}
	for _, fn := range mutate {
		fn(&opts)
	}
	s := NewServer(opts)
	t.Cleanup(s.Close)

	ctx := context.Background()
	_, err = st.Insert(ctx, rowstore.Users,
		rowstore.Row{"id": "user-a", "handle": "alice"},
		rowstore.Row{"id": "user-b", "handle": "bob"},
		rowstore.Row{"id": "user-c", "handle": "carol"},
	)
	require.NoError(t, err)
	_, err = st.Insert(ctx, rowstore.Lists, rowstore.Row{
		"id":               "list-1",
		"name":             "Groceries",
		"creator_id":       "user-a",
		"creator_handle":   "alice",
		"recipient_id":     "user-b",
		"recipient_handle": "bob",
		"status":           "new",
	})
	require.NoError(t, err)

	return &testServer{Server: s, api: humatest.Wrap(t, s.api), store: st}
}

func filterQuery(t *testing.T, f rowstore.Filter) string {
	t.Helper()
	raw, err := f.MarshalQuery()
	require.NoError(t, err)
	return "?filter=" + url.QueryEscape(raw)
}

func decodeRows(t *testing.T, body []byte) []rowstore.Row {
	t.Helper()
	var resp RowsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Rows
}

func decodeError(t *testing.T, body []byte) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	return apiErr
}

func (ts *testServer) addItem(t *testing.T, user, name string) rowstore.Row {
	t.Helper()
	resp := ts.api.Post("/api/v1/rows/items", user, map[string]any{
		"rows": []map[string]any{{"list_id": "list-1", "name": name}},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	rows := decodeRows(t, resp.Body.Bytes())
	require.Len(t, rows, 1)
	return rows[0]
}

func TestHealthCheck_Success(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))

	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["database"].Status)
	assert.Equal(t, "no subscribers", health.Components["feed"].Message)
}

func TestRows_RequireIdentity(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/api/v1/rows/lists" + filterQuery(t, rowstore.Eq("id", "list-1")))

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeError(t, resp.Body.Bytes()).Code)
}

func TestSelectRows_ParticipantsShareItems(t *testing.T) {
	ts := setupTestServer(t)

	ts.addItem(t, asAlice, "Milk")
	ts.addItem(t, asBob, "Eggs")

	resp := ts.api.Get("/api/v1/rows/items"+filterQuery(t, rowstore.Eq("list_id", "list-1").Order("created_at", false)), asBob)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	rows := decodeRows(t, resp.Body.Bytes())
	require.Len(t, rows, 2)
	assert.Equal(t, "Milk", rows[0]["name"])
	assert.Equal(t, "Eggs", rows[1]["name"])
	assert.Equal(t, false, rows[0]["purchased"])
	assert.NotContains(t, rows[0], "name_key")
}

func TestSelectRows_DeletedListIsEmpty(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/api/v1/rows/lists"+filterQuery(t, rowstore.Eq("id", "list-gone")), asCarol)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decodeRows(t, resp.Body.Bytes()))
}

func TestSelectRows_Rejects(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		path       string
		user       string
		wantStatus int
	}{
		{"outsider reads items", "/api/v1/rows/items" + filterQuery(t, rowstore.Eq("list_id", "list-1")), asCarol, http.StatusForbidden},
		{"outsider reads list", "/api/v1/rows/lists" + filterQuery(t, rowstore.Eq("id", "list-1")), asCarol, http.StatusForbidden},
		{"unscoped items", "/api/v1/rows/items", asAlice, http.StatusForbidden},
		{"unscoped lists", "/api/v1/rows/lists", asAlice, http.StatusForbidden},
		{"another user's inbox", "/api/v1/rows/notifications" + filterQuery(t, rowstore.Eq("user_id", "user-b")), asAlice, http.StatusForbidden},
		{"another user's contacts", "/api/v1/rows/contacts" + filterQuery(t, rowstore.Eq("owner_id", "user-b")), asAlice, http.StatusForbidden},
		{"malformed filter", "/api/v1/rows/lists?filter=%7Bnope", asAlice, http.StatusBadRequest},
		{"unknown collection", "/api/v1/rows/recipes", asAlice, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.api.Get(tt.path, tt.user)
			assert.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
		})
	}
}

func TestSelectRows_OwnListsByCreator(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/api/v1/rows/lists"+filterQuery(t, rowstore.Eq("recipient_id", "user-b")), asBob)
	require.Equal(t, http.StatusOK, resp.Code)

	rows := decodeRows(t, resp.Body.Bytes())
	require.Len(t, rows, 1)
	assert.Equal(t, "list-1", rows[0].ID())
}

func TestInsertRows_DuplicateItemConflicts(t *testing.T) {
	ts := setupTestServer(t)

	ts.addItem(t, asAlice, "Milk")

	resp := ts.api.Post("/api/v1/rows/items", asBob, map[string]any{
		"rows": []map[string]any{{"list_id": "list-1", "name": "  MILK "}},
	})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, resp.Body.Bytes()).Code)
}

func TestInsertRows_Rejects(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		collection string
		row        map[string]any
		wantStatus int
	}{
		{"item on foreign list", "items", map[string]any{"list_id": "list-1", "name": "Tea"}, http.StatusForbidden},
		{"item on missing list", "items", map[string]any{"list_id": "list-x", "name": "Tea"}, http.StatusNotFound},
		{"list for someone else", "lists", map[string]any{"name": "Hardware", "creator_id": "user-a"}, http.StatusForbidden},
		{"notification", "notifications", map[string]any{"user_id": "user-c", "type": "NEW_LIST"}, http.StatusForbidden},
		{"contact for someone else", "contacts", map[string]any{"owner_id": "user-a", "handle": "bob"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.api.Post("/api/v1/rows/"+tt.collection, asCarol, map[string]any{
				"rows": []map[string]any{tt.row},
			})
			assert.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
		})
	}
}

func TestUpdateRows_CompareAndSwapReportsCount(t *testing.T) {
	ts := setupTestServer(t)

	update := func() int {
		resp := ts.api.Patch("/api/v1/rows/lists", asBob, map[string]any{
			"patch":  map[string]any{"status": "opened"},
			"filter": rowstore.Eq("id", "list-1").And("status", "new"),
		})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var out UpdateRowsResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		return out.Updated
	}

	assert.Equal(t, 1, update())
	assert.Equal(t, 0, update(), "status already moved on")
}

func TestUpdateRows_TogglePurchased(t *testing.T) {
	ts := setupTestServer(t)
	item := ts.addItem(t, asAlice, "Milk")

	resp := ts.api.Patch("/api/v1/rows/items", asBob, map[string]any{
		"patch":  map[string]any{"purchased": true, "purchased_at": "2024-03-01T10:00:00Z"},
		"filter": rowstore.Eq("id", item.ID()),
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	rows, err := ts.store.Select(context.Background(), rowstore.Items, rowstore.Eq("id", item.ID()))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["purchased"])
}

func TestWrites_AttributedToCaller(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	resp := ts.api.Post("/api/v1/rows/items", asBob, map[string]any{
		"rows": []map[string]any{{"list_id": "list-1", "name": "Eggs", "updated_by": "user-a"}},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	item := decodeRows(t, resp.Body.Bytes())[0]
	assert.Equal(t, "user-b", item[rowstore.UpdatedBy])

	// A recipient may only move the status; the stamp does not count as a column it edits.
	resp = ts.api.Patch("/api/v1/rows/lists", asBob, map[string]any{
		"patch":  map[string]any{"status": "opened", "updated_by": "user-a"},
		"filter": rowstore.Eq("id", "list-1"),
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	lists, err := ts.store.Select(ctx, rowstore.Lists, rowstore.Eq("id", "list-1"))
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "user-b", lists[0][rowstore.UpdatedBy])

	resp = ts.api.Patch("/api/v1/rows/items", asAlice, map[string]any{
		"patch":  map[string]any{"updated_by": "user-b"},
		"filter": rowstore.Eq("id", item.ID()),
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code, "a patch of only the stamp is empty")
}

func TestUpdateRows_Rejects(t *testing.T) {
	ts := setupTestServer(t)
	item := ts.addItem(t, asAlice, "Milk")

	tests := []struct {
		name       string
		collection string
		user       string
		patch      map[string]any
		filter     rowstore.Filter
		wantStatus int
	}{
		{"recipient renames list", "lists", asBob, map[string]any{"name": "Mine"}, rowstore.Eq("id", "list-1"), http.StatusForbidden},
		{"outsider toggles item", "items", asCarol, map[string]any{"purchased": true}, rowstore.Eq("id", item.ID()), http.StatusForbidden},
		{"move item between lists", "items", asAlice, map[string]any{"list_id": "list-2"}, rowstore.Eq("id", item.ID()), http.StatusBadRequest},
		{"empty patch", "items", asAlice, map[string]any{}, rowstore.Eq("id", item.ID()), http.StatusBadRequest},
		{"unfiltered write", "items", asAlice, map[string]any{"purchased": true}, rowstore.All(), http.StatusBadRequest},
		{"notification message", "notifications", asAlice, map[string]any{"message": "hi"}, rowstore.Eq("user_id", "user-a"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.api.Patch("/api/v1/rows/"+tt.collection, tt.user, map[string]any{
				"patch":  tt.patch,
				"filter": tt.filter,
			})
			assert.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
		})
	}
}

func TestDeleteRows_CreatorDeletesList(t *testing.T) {
	ts := setupTestServer(t)
	ts.addItem(t, asAlice, "Milk")

	listFilter := filterQuery(t, rowstore.Eq("id", "list-1"))
	itemsFilter := filterQuery(t, rowstore.Eq("list_id", "list-1"))

	resp := ts.api.Delete("/api/v1/rows/lists"+listFilter, asBob)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = ts.api.Delete("/api/v1/rows/items"+itemsFilter, asAlice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	resp = ts.api.Delete("/api/v1/rows/lists"+listFilter, asAlice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	rows, err := ts.store.Select(context.Background(), rowstore.Lists, rowstore.Eq("id", "list-1"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteRows_NotificationsAreHiddenNotDeleted(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Delete("/api/v1/rows/notifications"+filterQuery(t, rowstore.Eq("user_id", "user-a")), asAlice)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestDirectory_RegisterFindAndContacts(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Post("/api/v1/users", UserIDHeader+": user-d", map[string]any{"handle": "@Dave"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = ts.api.Get("/api/v1/users/by-handle/DAVE", asAlice)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var user struct {
		ID     string `json:"id"`
		Handle string `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &user))
	assert.Equal(t, "user-d", user.ID)
	assert.Equal(t, "dave", user.Handle)

	resp = ts.api.Post("/api/v1/contacts", asAlice, map[string]any{"handle": "dave"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	resp = ts.api.Post("/api/v1/contacts", asAlice, map[string]any{"handle": "bob"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = ts.api.Get("/api/v1/contacts", asAlice)
	require.Equal(t, http.StatusOK, resp.Code)
	var contacts ContactsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &contacts))
	require.Len(t, contacts.Contacts, 2)
	assert.Equal(t, "bob", contacts.Contacts[0].Handle)
	assert.Equal(t, "dave", contacts.Contacts[1].Handle)
}

func TestDirectory_Errors(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/api/v1/users/by-handle/nobody", asAlice)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.api.Post("/api/v1/contacts", asAlice, map[string]any{"handle": "nobody"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.api.Post("/api/v1/users", UserIDHeader+": user-e", map[string]any{"handle": "ALICE"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.api.Post("/api/v1/users", UserIDHeader+": user-e", map[string]any{"handle": "a b"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestWriteRateLimit(t *testing.T) {
	ts := setupTestServer(t, func(o *Options) {
		o.WriteRate = 0.001
		o.WriteBurst = 1
	})

	ts.addItem(t, asAlice, "Milk")

	resp := ts.api.Post("/api/v1/rows/items", asAlice, map[string]any{
		"rows": []map[string]any{{"list_id": "list-1", "name": "Eggs"}},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	// Reads are never limited.
	resp = ts.api.Get("/api/v1/rows/items"+filterQuery(t, rowstore.Eq("list_id", "list-1")), asAlice)
	assert.Equal(t, http.StatusOK, resp.Code)

	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "cartshare_rate_limited_requests_total 1")
}

func TestStream_Authorization(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		path       string
		user       string
		wantStatus int
	}{
		{"anonymous", "/api/v1/rows/notifications/stream" + filterQuery(t, rowstore.Eq("user_id", "user-a")), "", http.StatusForbidden},
		{"another user's inbox", "/api/v1/rows/notifications/stream" + filterQuery(t, rowstore.Eq("user_id", "user-a")), "user-c", http.StatusForbidden},
		{"outsider watches items", "/api/v1/rows/items/stream" + filterQuery(t, rowstore.Eq("list_id", "list-1")), "user-c", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.Header.Set(UserIDHeader, tt.user)
			}
			rec := httptest.NewRecorder()
			ts.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStream_ParticipantReceivesChanges(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/rows/items/stream"+filterQuery(t, rowstore.Eq("list_id", "list-1")), nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, "user-b")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := sse.NewReader(resp.Body)
	msg, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "connected", msg.Event)

	ts.addItem(t, asAlice, "Milk")

	msg, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "change", msg.Event)
	assert.Contains(t, string(msg.Data), `"Milk"`)
}
