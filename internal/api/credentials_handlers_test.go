package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/credentials"
)

func credentialsFixture(t *testing.T) *apiFixture {
	t.Helper()
	fx := devFixture(t)
	log := logger.Default()

	dir := t.TempDir()
	store, err := credentials.NewStore(filepath.Join(dir, "profiles"), log)
	require.NoError(t, err)

	credPath := filepath.Join(dir, ".credentials.json")
	require.NoError(t, os.WriteFile(credPath,
		[]byte(`{"claudeAiOauth":{"accessToken":"tok-1"}}`), 0o600))

	fx.server.deps.Store = store
	fx.server.deps.Swapper = credentials.NewSwapper(store, credPath, log)
	fx.server.deps.Tracker = credentials.NewRateLimitTracker(store,
		filepath.Join(dir, "rate_limits.json"), log)
	return fx
}

func TestProfilesUnconfigured(t *testing.T) {
	fx := devFixture(t)

	for _, path := range []string{"/profiles", "/profiles/active", "/profiles/rate-limits"} {
		rec := doJSON(t, fx.server.Handler(), http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestProfileLifecycle(t *testing.T) {
	fx := credentialsFixture(t)
	h := fx.server.Handler()

	// Empty store, nothing active.
	rec := doJSON(t, h, http.MethodGet, "/profiles", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":null`)

	// Snapshot the live credentials under a profile name.
	rec = doJSON(t, h, http.MethodPost, "/profiles/work", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"saved":true`)

	rec = doJSON(t, h, http.MethodGet, "/profiles", "", nil)
	assert.Contains(t, rec.Body.String(), `"name":"work"`)

	// Activation swaps the profile in and records it as active.
	rec = doJSON(t, h, http.MethodPost, "/profiles/work/activate", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"activated":"work"`)

	rec = doJSON(t, h, http.MethodGet, "/profiles/active", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":"work"`)

	rec = doJSON(t, h, http.MethodDelete, "/profiles/work", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":true`)
}

func TestActivateUnknownProfile(t *testing.T) {
	fx := credentialsFixture(t)

	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/profiles/ghost/activate", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "PROFILE_NOT_FOUND")
}

func TestDeleteUnknownProfile(t *testing.T) {
	fx := credentialsFixture(t)

	rec := doJSON(t, fx.server.Handler(), http.MethodDelete, "/profiles/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "PROFILE_NOT_FOUND")
}

func TestSaveProfileInvalidName(t *testing.T) {
	fx := credentialsFixture(t)

	// Underscore-prefixed names are reserved for internal files.
	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/profiles/_bad", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestRateLimitStatus(t *testing.T) {
	fx := credentialsFixture(t)
	h := fx.server.Handler()

	require.NoError(t, fx.server.deps.Swapper.SaveCurrentAs("work"))
	require.NoError(t, fx.server.deps.Store.SetActive("work"))
	fx.server.deps.Tracker.Record(credentials.RateLimitEvent{
		RateLimitType: "five_hour",
		Utilization:   json.RawMessage("0.42"),
	})

	rec := doJSON(t, h, http.MethodGet, "/profiles/rate-limits", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_profile":"work"`)

	rec = doJSON(t, h, http.MethodGet, "/profiles/work/rate-limits", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"work"`)
	assert.Contains(t, rec.Body.String(), "five_hour")
}

func TestRateLimitsWithoutTracker(t *testing.T) {
	fx := credentialsFixture(t)
	fx.server.deps.Tracker = nil

	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/profiles/rate-limits", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
