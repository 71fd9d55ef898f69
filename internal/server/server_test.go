package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/masterdata-cli/internal/config"
	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	cfg := &config.Config{
		Server: config.ServerConfig{RateLimit: 1000, RateBurst: 1000},
		Upload: config.UploadConfig{
			ChunkSize: 100,
			Encoding:  "utf-8",
			TempDir:   t.TempDir(),
		},
	}
	return New(s, cfg), s
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal", "tester")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func futureDate(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestUnknownEntity(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/widget/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "unknown entity")
}

func TestCreateAndGet_SoftDeleteEntity(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001",
		"town":        "Chiyoda",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	assert.Equal(t, "tester", created["created_by"])
	assert.Equal(t, false, created["deleted_flag"])
	assert.NotZero(t, created["token"])

	id := created["id"].(string)
	w = doJSON(t, srv, http.MethodGet, "/api/postcode/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Chiyoda", decodeBody(t, w)["town"])
}

func TestCreate_UnknownColumn(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001",
		"nope":        "x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], `unknown column "nope"`)
}

func TestCreate_DuplicateKey(t *testing.T) {
	srv, _ := newTestServer(t)
	body := map[string]any{"postal_code": "1000001", "town": "Chiyoda"}
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/postcode/", body).Code)
	w := doJSON(t, srv, http.MethodPost, "/api/postcode/", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUpdate_TokenGuard(t *testing.T) {
	srv, _ := newTestServer(t)
	created := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))
	id := created["id"].(string)
	token := int64(created["token"].(float64))

	w := doJSON(t, srv, http.MethodPut, "/api/postcode/"+id, map[string]any{
		"token":   token + 1,
		"changes": map[string]any{"town": "Kanda"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "modified by another user")

	w = doJSON(t, srv, http.MethodPut, "/api/postcode/"+id, map[string]any{
		"token":   token,
		"changes": map[string]any{"town": "Kanda"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody(t, w)
	assert.Equal(t, "Kanda", updated["town"])
	assert.Equal(t, "tester", updated["updated_by"])
	// The token moved with updated_at.
	assert.NotEqual(t, float64(token), updated["token"])
}

// commitBetween simulates a second editor whose change commits after the
// first editor loaded their token but before the first editor's write
// transaction begins.
type commitBetween struct {
	store.Store
	d     *model.Descriptor
	id    string
	fired bool
}

func (c *commitBetween) WithTx(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if !c.fired {
		c.fired = true
		err := c.Store.Update(ctx, c.d, c.id, map[string]any{
			"town":             "FromB",
			model.ColUpdatedBy: "editor-b",
			model.ColUpdatedAt: time.Now().UTC().Add(time.Second),
		})
		if err != nil {
			return err
		}
	}
	return c.Store.WithTx(ctx, fn)
}

func TestUpdate_ConcurrentCommitDetected(t *testing.T) {
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	require.NoError(t, base.Migrate(context.Background()))

	d, err := model.ByName("postcode")
	require.NoError(t, err)

	now := time.Now().UTC()
	rec, err := base.Insert(context.Background(), d, model.Record{
		"postal_code": "1000001", "town": "Original", "deleted_flag": false,
		"created_by": "editor-a", "created_at": now, "updated_by": "editor-a", "updated_at": now,
	})
	require.NoError(t, err)
	token := rec.UpdatedAt().UnixMicro()

	wrapped := &commitBetween{Store: base, d: d, id: rec.ID()}
	srv := New(wrapped, &config.Config{
		Server: config.ServerConfig{RateLimit: 1000, RateBurst: 1000},
		Upload: config.UploadConfig{ChunkSize: 100, TempDir: t.TempDir()},
	})

	// Editor B's commit lands just before editor A's transaction; A's token
	// is now stale and the write must be rejected, not silently applied.
	w := doJSON(t, srv, http.MethodPut, "/api/postcode/"+rec.ID(), map[string]any{
		"token":   token,
		"changes": map[string]any{"town": "FromA"},
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, decodeBody(t, w)["error"], "modified by another user")

	// B's change survives.
	got, err := base.Get(context.Background(), d, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "FromB", got["town"])
	assert.Equal(t, "editor-b", got["updated_by"])
}

func TestDelete_StaleTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	created := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))
	id := created["id"].(string)
	token := int64(created["token"].(float64))

	// Another editor commits first; the original token no longer verifies.
	w := doJSON(t, srv, http.MethodPut, "/api/postcode/"+id, map[string]any{
		"token":   token,
		"changes": map[string]any{"town": "Kanda"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/api/postcode/%s?token=%d", id, token), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	listed := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/", nil))
	assert.Equal(t, float64(1), listed["total"])
}

func TestDelete_SoftDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	created := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))
	id := created["id"].(string)
	token := int64(created["token"].(float64))

	w := doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/api/postcode/%s?token=%d", id, token), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Hidden from the default list, visible with include_deleted.
	listed := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/", nil))
	assert.Equal(t, float64(0), listed["total"])
	listed = decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/?include_deleted=true", nil))
	assert.Equal(t, float64(1), listed["total"])
}

func TestTemporalCreate_TruncatesPrevious(t *testing.T) {
	srv, _ := newTestServer(t)

	first := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/municipality/", map[string]any{
		"municipality_code": "13101",
		"name":              "Chiyoda",
		"valid_from":        futureDate(10),
	}))
	w := doJSON(t, srv, http.MethodPost, "/api/municipality/", map[string]any{
		"municipality_code": "13101",
		"name":              "Chiyoda v2",
		"valid_from":        futureDate(40),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	refetched := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/municipality/"+first["id"].(string), nil))
	assert.Contains(t, refetched["valid_to"], futureDate(39))
}

func TestTemporalUpdate_EffectiveRejected(t *testing.T) {
	srv, s := newTestServer(t)
	d, err := model.ByName("municipality")
	require.NoError(t, err)

	// Seed an already-effective record directly.
	now := time.Now().UTC()
	rec, err := s.Insert(context.Background(), d, model.Record{
		"municipality_code": "13101", "name": "Chiyoda",
		"valid_from": model.DateOnly(now).AddDate(0, 0, -30), "valid_to": model.Forever,
		"created_by": "seed", "created_at": now, "updated_by": "seed", "updated_at": now,
	})
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPut, "/api/municipality/"+rec.ID(), map[string]any{
		"token":   rec.UpdatedAt().UnixMicro(),
		"changes": map[string]any{"name": "Renamed"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "already effective")
}

func TestCopyForward(t *testing.T) {
	srv, s := newTestServer(t)
	d, err := model.ByName("municipality")
	require.NoError(t, err)

	now := time.Now().UTC()
	rec, err := s.Insert(context.Background(), d, model.Record{
		"municipality_code": "13101", "name": "Chiyoda", "prefecture": "Tokyo",
		"valid_from": model.DateOnly(now).AddDate(0, 0, -30), "valid_to": model.Forever,
		"created_by": "seed", "created_at": now, "updated_by": "seed", "updated_at": now,
	})
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost, "/api/municipality/"+rec.ID()+"/copy-forward", map[string]any{
		"overrides": map[string]any{"name": "Chiyoda v2"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	assert.Equal(t, "Chiyoda v2", created["name"])
	assert.Equal(t, "Tokyo", created["prefecture"])
	assert.Contains(t, created["valid_from"], futureDate(1))
}

func TestBulkConfirm_NoMutation(t *testing.T) {
	srv, _ := newTestServer(t)
	a := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))

	w := doJSON(t, srv, http.MethodPost, "/api/postcode/bulk/confirm", map[string]any{
		"ids":    []string{a["id"].(string), "missing-id"},
		"action": "delete",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Len(t, body["items"], 1)
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no longer exists")

	// Nothing was deleted.
	listed := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/", nil))
	assert.Equal(t, float64(1), listed["total"])
}

func TestBulkExecute_AllOrNothing(t *testing.T) {
	srv, _ := newTestServer(t)
	a := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))
	b := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000002", "town": "Kanda",
	}))

	// One stale token aborts the whole action.
	w := doJSON(t, srv, http.MethodPost, "/api/postcode/bulk/execute", map[string]any{
		"action": "delete",
		"tokens": map[string]any{
			a["id"].(string): int64(a["token"].(float64)),
			b["id"].(string): int64(b["token"].(float64)) + 1,
		},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	listed := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/", nil))
	assert.Equal(t, float64(2), listed["total"])

	// Correct tokens soft-delete both.
	w = doJSON(t, srv, http.MethodPost, "/api/postcode/bulk/execute", map[string]any{
		"action": "delete",
		"tokens": map[string]any{
			a["id"].(string): int64(a["token"].(float64)),
			b["id"].(string): int64(b["token"].(float64)),
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decodeBody(t, w)["affected"])
	listed = decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/", nil))
	assert.Equal(t, float64(0), listed["total"])
}

func TestBulkExecute_UpdateField(t *testing.T) {
	srv, _ := newTestServer(t)
	a := decodeBody(t, doJSON(t, srv, http.MethodPost, "/api/postcode/", map[string]any{
		"postal_code": "1000001", "town": "Chiyoda",
	}))

	w := doJSON(t, srv, http.MethodPost, "/api/postcode/bulk/execute", map[string]any{
		"action": "update_field",
		"field":  "municipality_code",
		"value":  "13101",
		"tokens": map[string]any{a["id"].(string): int64(a["token"].(float64))},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/postcode/"+a["id"].(string), nil))
	assert.Equal(t, "13101", got["municipality_code"])
	assert.Equal(t, "tester", got["updated_by"])
}

func TestBulkExecute_UnknownAction(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/postcode/bulk/execute", map[string]any{
		"action": "purge",
		"tokens": map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadAndDownload(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "postcodes.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("postal_code,town\n1000001,Chiyoda\n1000002,Kanda\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/postcode/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Principal", "tester")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decodeBody(t, w)
	assert.Equal(t, float64(2), summary["inserted"])

	dl := doJSON(t, srv, http.MethodGet, "/api/postcode/download?columns=postal_code,town", nil)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "postcode-")
	lines := strings.Split(strings.TrimSpace(dl.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "postal_code,town", lines[0])

	// Both runs appear in the audit view.
	audit := decodeBody(t, doJSON(t, srv, http.MethodGet, "/api/audit", nil))
	assert.Len(t, audit["items"], 2)
}

func TestUpload_BadData(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "holidays.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("holiday_date,name\nnot-a-date,Broken\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/holiday/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "not-a-date")
}

func TestDownload_UnknownColumn(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/postcode/download?columns=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	srv := New(s, &config.Config{
		Server: config.ServerConfig{RateLimit: 1, RateBurst: 1},
		Upload: config.UploadConfig{ChunkSize: 100, TempDir: t.TempDir()},
	})
	router := srv.Router()

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
