// Package resolver turns publisher accounts into concrete audit targets.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/adops/site-auditor/internal/audit"
)

// Resolver reads the publisher directory. It never mutates anything.
type Resolver struct {
	dir audit.PublisherDirectory
}

// New constructs a Resolver.
func New(dir audit.PublisherDirectory) (*Resolver, error) {
	if dir == nil {
		return nil, fmt.Errorf("publisher directory is required")
	}
	return &Resolver{dir: dir}, nil
}

// ResolveAllEligiblePublishers lists publishers with a workflow status,
// newest first.
func (r *Resolver) ResolveAllEligiblePublishers(ctx context.Context) ([]audit.PublisherRef, error) {
	pubs, err := r.dir.ListEligiblePublishers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible publishers: %w", err)
	}
	return pubs, nil
}

// ResolvePublisher looks up one publisher by ID.
func (r *Resolver) ResolvePublisher(ctx context.Context, publisherID string) (audit.PublisherRef, error) {
	id := strings.TrimSpace(publisherID)
	if id == "" {
		return audit.PublisherRef{}, fmt.Errorf("publisher id is required")
	}
	ref, err := r.dir.GetPublisher(ctx, id)
	if err != nil {
		return audit.PublisherRef{}, fmt.Errorf("get publisher %s: %w", id, err)
	}
	return ref, nil
}

// ResolveTargets returns one target per distinct observed site. A publisher
// with no observed sites yields a single target named after its primary
// domain, falling back to its name and then its ID.
func (r *Resolver) ResolveTargets(ctx context.Context, publisher audit.PublisherRef) ([]audit.Target, error) {
	sites, err := r.dir.ListObservedSites(ctx, publisher.ID)
	if err != nil {
		return nil, fmt.Errorf("list sites for %s: %w", publisher.ID, err)
	}
	names := NormalizeSites(sites)
	if len(names) == 0 {
		names = []string{fallbackSite(publisher)}
	}
	return TargetsFor(publisher, names), nil
}

// TargetsFor builds targets for already-normalized site names.
func TargetsFor(publisher audit.PublisherRef, sites []string) []audit.Target {
	out := make([]audit.Target, 0, len(sites))
	for _, site := range sites {
		out = append(out, audit.Target{
			PublisherID:   publisher.ID,
			PublisherName: publisher.Name,
			SiteName:      site,
		})
	}
	return out
}

// NormalizeSites lower-cases site names and then applies TrimSites.
func NormalizeSites(sites []string) []string {
	lowered := make([]string, 0, len(sites))
	for _, site := range sites {
		lowered = append(lowered, strings.ToLower(site))
	}
	return TrimSites(lowered)
}

// TrimSites trims site names, drops blanks and collapses exact duplicates
// while keeping first-seen order. Case is preserved.
func TrimSites(sites []string) []string {
	seen := make(map[string]struct{}, len(sites))
	out := make([]string, 0, len(sites))
	for _, site := range sites {
		name := strings.TrimSpace(site)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func fallbackSite(publisher audit.PublisherRef) string {
	for _, candidate := range []string{publisher.PrimaryDomain, publisher.Name, publisher.ID} {
		if name := strings.ToLower(strings.TrimSpace(candidate)); name != "" {
			return name
		}
	}
	return publisher.ID
}
