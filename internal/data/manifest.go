package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/cortex-relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVIDENCE MANIFEST
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertManifest records metadata for a corpus file, replacing any existing
// row for the same file location.
func (s *Store) UpsertManifest(ctx context.Context, entry types.ManifestEntry) error {
	if entry.FileLocation == "" {
		return fmt.Errorf("manifest entry file location cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_manifest (file_location, title, doi, citation, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_location) DO UPDATE SET
			title = excluded.title,
			doi = excluded.doi,
			citation = excluded.citation,
			updated_at = excluded.updated_at
	`, entry.FileLocation, entry.Title, entry.DOI, entry.Citation, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert manifest: %w", err)
	}
	return nil
}

// GetManifest returns the entry for a file location, or nil when absent.
func (s *Store) GetManifest(ctx context.Context, fileLocation string) (*types.ManifestEntry, error) {
	var (
		entry     types.ManifestEntry
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT file_location, title, doi, citation, updated_at
		FROM evidence_manifest WHERE file_location = ?
	`, fileLocation).Scan(&entry.FileLocation, &entry.Title, &entry.DOI, &entry.Citation, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	entry.UpdatedAt = fromUnixNano(updatedAt)
	return &entry, nil
}

// ListManifest returns every manifest entry ordered by file location.
func (s *Store) ListManifest(ctx context.Context) ([]types.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_location, title, doi, citation, updated_at
		FROM evidence_manifest ORDER BY file_location
	`)
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	defer rows.Close()

	var entries []types.ManifestEntry
	for rows.Next() {
		var (
			entry     types.ManifestEntry
			updatedAt int64
		)
		if err := rows.Scan(&entry.FileLocation, &entry.Title, &entry.DOI, &entry.Citation, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		entry.UpdatedAt = fromUnixNano(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
