package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/adops/site-auditor/internal/audit"
)

// Directory reads publisher accounts and observed sites from Postgres.
type Directory struct {
	pool DB
}

// NewDirectory constructs a Directory over an existing pool.
func NewDirectory(pool DB) (*Directory, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Directory{pool: pool}, nil
}

// ListEligiblePublishers returns publishers with a workflow status, newest first.
func (d *Directory) ListEligiblePublishers(ctx context.Context) ([]audit.PublisherRef, error) {
	rows, err := d.pool.Query(ctx, `
SELECT id, name, workflow_status, primary_domain, created_at
FROM publishers
WHERE workflow_status IS NOT NULL
ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list publishers: %w", err)
	}
	defer rows.Close()

	var out []audit.PublisherRef
	for rows.Next() {
		ref, err := scanPublisher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publisher: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publishers: %w", err)
	}
	return out, nil
}

// GetPublisher fetches one publisher regardless of workflow status.
func (d *Directory) GetPublisher(ctx context.Context, publisherID string) (audit.PublisherRef, error) {
	ref, err := scanPublisher(d.pool.QueryRow(ctx, `
SELECT id, name, workflow_status, primary_domain, created_at
FROM publishers
WHERE id = $1`, publisherID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.PublisherRef{}, audit.ErrNotFound
		}
		return audit.PublisherRef{}, fmt.Errorf("get publisher: %w", err)
	}
	return ref, nil
}

// ListObservedSites returns site names previously seen for a publisher,
// oldest observation first.
func (d *Directory) ListObservedSites(ctx context.Context, publisherID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
SELECT site_name
FROM publisher_sites
WHERE publisher_id = $1
ORDER BY observed_at, site_name`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("list observed sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return sites, nil
}

func scanPublisher(row pgx.Row) (audit.PublisherRef, error) {
	var ref audit.PublisherRef
	err := row.Scan(&ref.ID, &ref.Name, &ref.WorkflowStatus, &ref.PrimaryDomain, &ref.CreatedAt)
	return ref, err
}
