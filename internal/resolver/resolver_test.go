package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/storage/memory"
)

func TestResolveTargetsNormalizesAndDedupes(t *testing.T) {
	t.Parallel()

	pub := audit.PublisherRef{ID: "p1", Name: "Example Media"}
	dir := memory.NewDirectory(memory.Publisher{
		Ref:   pub,
		Sites: []string{" Example.com", "news.example.com", "example.com ", "", "NEWS.example.com"},
	})
	r, err := New(dir)
	require.NoError(t, err)

	targets, err := r.ResolveTargets(context.Background(), pub)
	require.NoError(t, err)
	require.Equal(t, []audit.Target{
		{PublisherID: "p1", PublisherName: "Example Media", SiteName: "example.com"},
		{PublisherID: "p1", PublisherName: "Example Media", SiteName: "news.example.com"},
	}, targets)
}

func TestResolveTargetsSyntheticFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ref  audit.PublisherRef
		want string
	}{
		{name: "primary domain", ref: audit.PublisherRef{ID: "p1", Name: "Pub", PrimaryDomain: "Pub.COM"}, want: "pub.com"},
		{name: "name", ref: audit.PublisherRef{ID: "p2", Name: "Pub Two"}, want: "pub two"},
		{name: "id", ref: audit.PublisherRef{ID: "p3"}, want: "p3"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := New(memory.NewDirectory(memory.Publisher{Ref: tt.ref}))
			require.NoError(t, err)
			targets, err := r.ResolveTargets(context.Background(), tt.ref)
			require.NoError(t, err)
			require.Len(t, targets, 1)
			require.Equal(t, tt.want, targets[0].SiteName)
			require.Equal(t, tt.ref.ID, targets[0].PublisherID)
		})
	}
}

func TestResolveTargetsPropagatesLookupFailure(t *testing.T) {
	t.Parallel()

	dir := memory.NewDirectory(memory.Publisher{Ref: audit.PublisherRef{ID: "p1"}})
	dir.FailSites("p1", errors.New("replica lag"))
	r, err := New(dir)
	require.NoError(t, err)

	_, err = r.ResolveTargets(context.Background(), audit.PublisherRef{ID: "p1"})
	require.ErrorContains(t, err, "replica lag")
}

func TestResolveAllEligiblePublishers(t *testing.T) {
	t.Parallel()

	approved := "approved"
	base := time.Unix(100, 0)
	dir := memory.NewDirectory(
		memory.Publisher{Ref: audit.PublisherRef{ID: "a", WorkflowStatus: &approved, CreatedAt: base}},
		memory.Publisher{Ref: audit.PublisherRef{ID: "b", WorkflowStatus: &approved, CreatedAt: base}},
		memory.Publisher{Ref: audit.PublisherRef{ID: "c", CreatedAt: base.Add(time.Hour)}},
	)
	r, err := New(dir)
	require.NoError(t, err)

	pubs, err := r.ResolveAllEligiblePublishers(context.Background())
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	require.Equal(t, "a", pubs[0].ID)
	require.Equal(t, "b", pubs[1].ID)

	_, err = r.ResolvePublisher(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = r.ResolvePublisher(context.Background(), " ")
	require.Error(t, err)
}

func TestNormalizeSitesEmpty(t *testing.T) {
	t.Parallel()
	require.Empty(t, NormalizeSites(nil))
	require.Empty(t, NormalizeSites([]string{" ", ""}))
}

func TestTrimSitesPreservesCase(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"Example.com", "example.com", "b.com"},
		TrimSites([]string{" Example.com", "example.com ", "", "Example.com", "b.com"}))
}
