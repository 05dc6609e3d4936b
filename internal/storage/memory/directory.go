package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adops/site-auditor/internal/audit"
)

// Publisher seeds one directory entry.
type Publisher struct {
	Ref   audit.PublisherRef
	Sites []string
}

// Directory is an in-memory audit.PublisherDirectory.
type Directory struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	listErr    error
	siteErrs   map[string]error
}

// NewDirectory constructs a Directory from seed entries.
func NewDirectory(publishers ...Publisher) *Directory {
	d := &Directory{
		publishers: make(map[string]Publisher, len(publishers)),
		siteErrs:   make(map[string]error),
	}
	for _, p := range publishers {
		d.publishers[p.Ref.ID] = p
	}
	return d
}

// Put inserts or replaces a publisher entry.
func (d *Directory) Put(p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishers[p.Ref.ID] = p
}

// FailList makes ListEligiblePublishers return err.
func (d *Directory) FailList(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErr = err
}

// FailSites makes ListObservedSites return err for one publisher.
func (d *Directory) FailSites(publisherID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.siteErrs[publisherID] = err
}

// ListEligiblePublishers returns publishers with a workflow status, newest first.
func (d *Directory) ListEligiblePublishers(_ context.Context) ([]audit.PublisherRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]audit.PublisherRef, 0, len(d.publishers))
	for _, p := range d.publishers {
		if p.Ref.WorkflowStatus == nil {
			continue
		}
		out = append(out, p.Ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetPublisher fetches one publisher.
func (d *Directory) GetPublisher(_ context.Context, publisherID string) (audit.PublisherRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.publishers[publisherID]
	if !ok {
		return audit.PublisherRef{}, audit.ErrNotFound
	}
	return p.Ref, nil
}

// ListObservedSites returns the raw observed site names for a publisher.
func (d *Directory) ListObservedSites(_ context.Context, publisherID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.siteErrs[publisherID]; err != nil {
		return nil, err
	}
	p, ok := d.publishers[publisherID]
	if !ok {
		return nil, audit.ErrNotFound
	}
	return append([]string(nil), p.Sites...), nil
}

// SeedTime spaces seeded publishers so their order is stable: earlier seeds
// sort as more recently created.
func SeedTime(base time.Time, index int) time.Time {
	return base.Add(-time.Duration(index) * time.Second)
}
