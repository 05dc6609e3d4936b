package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/config"
	memorypublisher "github.com/adops/site-auditor/internal/publisher/memory"
)

func testConfig(workerURL, archiveDir string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ReadTimeoutSeconds: 5},
		Auth:   config.AuthConfig{Enabled: true, BearerTokens: []string{"secret"}},
		Worker: config.WorkerConfig{Endpoint: workerURL, TimeoutSeconds: 5},
		Poller: config.PollerConfig{IntervalMs: 10, MaxAttempts: 2},
		Storage: config.StorageConfig{
			Backend:     "local",
			LocalDir:    archiveDir,
			Prefix:      "batch-summaries",
			ContentType: "application/json",
		},
		Publishers: []config.PublisherSeed{
			{ID: "pub-1", Name: "Example Media", WorkflowStatus: "approved", Sites: []string{"example.com"}},
			{ID: "pub-2", Name: "Dormant", Sites: []string{"dormant.com"}},
			{ID: "pub-3", Name: "Other", WorkflowStatus: "review", PrimaryDomain: "other.com"},
		},
	}
}

func TestBuildServesSeededTrigger(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		submitted []string
	)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PublisherID string   `json:"publisherId"`
			SiteNames   []string `json:"siteNames"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		submitted = append(submitted, body.PublisherID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	dir := t.TempDir()
	app, err := Build(context.Background(), testConfig(worker.URL, dir), zap.NewNop())
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.tracerProvider)

	req := httptest.NewRequest(http.MethodPost, "/trigger-all-publisher-audits", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report audit.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.Success)
	require.Equal(t, 2, report.QueuedPublishers)
	mu.Lock()
	require.Equal(t, []string{"pub-1", "pub-3"}, submitted)
	mu.Unlock()
	require.Equal(t, []string{"other.com"}, report.Results[1].SiteNames)

	matches, err := filepath.Glob(filepath.Join(dir, "batch-summaries", "*", "*", "*", report.BatchID+".json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	notifier, ok := app.Notifier().(*memorypublisher.Publisher)
	require.True(t, ok)
	require.Len(t, notifier.Messages(), 1)

	snap := app.Poller().Snapshot(context.Background(), report.BatchID)
	require.NoError(t, snap.Err)
	require.Equal(t, 2, snap.Progress.TotalSites)
}

func TestBuildWithoutWorkerRejectsTrigger(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig("", t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Coordinator().TriggerBatch(context.Background(), audit.AllEligible())
	require.ErrorIs(t, err, audit.ErrConfiguration)
}

func TestBuildFailsOnUnusableArchiveDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := Build(context.Background(), testConfig("", file), zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "local blob store init failed")
}

func TestBuildAuthDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig("", t.TempDir())
	cfg.Auth = config.AuthConfig{}
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger-all-publisher-audits", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSeedPublishers(t *testing.T) {
	t.Parallel()

	seeds := seedPublishers([]config.PublisherSeed{
		{ID: " a ", Name: "A", WorkflowStatus: "approved"},
		{ID: "b", Name: "B"},
	})
	require.Len(t, seeds, 2)
	require.Equal(t, "a", seeds[0].Ref.ID)
	require.NotNil(t, seeds[0].Ref.WorkflowStatus)
	require.Nil(t, seeds[1].Ref.WorkflowStatus)
	require.True(t, seeds[0].Ref.CreatedAt.After(seeds[1].Ref.CreatedAt))
}
