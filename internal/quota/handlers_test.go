package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijo-seo/shijo/internal/burst"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

func setupHandlerRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, nil)
	r := gin.New()
	NewHandler(h.engine, h.recorder, h.store).RegisterRoutes(r.Group("/v1"))
	return r, h
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CheckAndRecord(t *testing.T) {
	r, h := setupHandlerRouter(t)
	h.provision(t, "u1", plans.TierPro, 0)

	w := doJSON(r, http.MethodPost, "/v1/users/u1/access/check", CheckAccessRequest{Feature: "briefs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Decision Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Decision.Allowed)
	assert.Equal(t, int64(300), *resp.Decision.RemainingQuota)

	w = doJSON(r, http.MethodPost, "/v1/users/u1/usage/record", RecordUsageRequest{Feature: "briefs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"regime":"monthly"`)

	w = doJSON(r, http.MethodPost, "/v1/users/u1/access/check", CheckAccessRequest{Feature: "briefs"})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(299), *resp.Decision.RemainingQuota)
}

func TestHandler_CheckDenialIsOK(t *testing.T) {
	r, h := setupHandlerRouter(t)
	h.provision(t, "u1", plans.TierPro, 1)

	cost := int64(5)
	w := doJSON(r, http.MethodPost, "/v1/users/u1/access/check", CheckAccessRequest{Feature: "briefs", CreditCost: &cost})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":false`)
	assert.Contains(t, w.Body.String(), `"promptKind":"buy_credits"`)
}

func TestHandler_BadRequests(t *testing.T) {
	r, h := setupHandlerRouter(t)
	h.provision(t, "u1", plans.TierPro, 0)

	w := doJSON(r, http.MethodPost, "/v1/users/u1/access/check", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	neg := int64(-1)
	w = doJSON(r, http.MethodPost, "/v1/users/u1/access/check", CheckAccessRequest{Feature: "briefs", CreditCost: &neg})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/users/u1/usage/record", RecordUsageRequest{Feature: "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_StorageFailureDeniesWith503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := usage.NewMemoryStore()
	catalog := plans.DefaultCatalog()
	engine := NewEngine(catalog, failingLedger{store}, burst.NewService(store, burst.NewEvaluator(burst.DefaultPolicy)))
	r := gin.New()
	NewHandler(engine, NewRecorder(catalog, store), store).RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/users/u1/access/check", CheckAccessRequest{Feature: "briefs"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":false`)
}

func TestHandler_Summary(t *testing.T) {
	r, h := setupHandlerRouter(t)
	h.provision(t, "u1", plans.TierFree, 0)

	w := doJSON(r, http.MethodGet, "/v1/users/u1/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":"free"`)

	w = doJSON(r, http.MethodGet, "/v1/users/ghost/usage", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreditHistoryPages(t *testing.T) {
	r, h := setupHandlerRouter(t)
	h.provision(t, "u1", plans.TierPro, 0)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ref := range []string{"p1", "p2", "p3"} {
		_, err := h.store.TopUp(context.Background(), &usage.CreditEntry{
			ID: ref, UserID: "u1", Amount: 10, PaymentRef: ref, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	var page struct {
		Entries    []usage.CreditEntry `json:"entries"`
		NextCursor string              `json:"next_cursor"`
		HasMore    bool                `json:"has_more"`
	}
	w := doJSON(r, http.MethodGet, "/v1/users/u1/credits/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "p3", page.Entries[0].ID)
	assert.True(t, page.HasMore)

	w = doJSON(r, http.MethodGet, "/v1/users/u1/credits/history?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.Entries = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "p1", page.Entries[0].ID)
	assert.False(t, page.HasMore)

	w = doJSON(r, http.MethodGet, "/v1/users/u1/credits/history?cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListPlans(t *testing.T) {
	r, _ := setupHandlerRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Plans       []PlanView         `json:"plans"`
		CreditPacks []plans.CreditPack `json:"creditPacks"`
		CreditCosts map[string]int64   `json:"creditCosts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Plans, 3)
	assert.Equal(t, plans.TierFree, resp.Plans[0].Tier)
	assert.Equal(t, int64(3), resp.Plans[0].DailyCaps["expansions"])
	assert.Equal(t, int64(100), resp.Plans[1].Quotas["expansions"])
	assert.Equal(t, int64(25), resp.Plans[1].BurstAllowances["expansions"])
	assert.Len(t, resp.CreditPacks, 3)
	assert.Equal(t, int64(3), resp.CreditCosts["expansions"])
}
