package cbsync

import (
	"context"
	"strings"
)

// migrateSearchIndex creates the FTS5 index over volume folders and
// issue text. Raw SQL because GORM doesn't support FTS5 virtual tables.
// FTS5 is only compiled in under the sqlite_fts5 build tag; without it
// the index is disabled and search falls back to LIKE queries.
func (s *Store) migrateSearchIndex() {
	err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS volumes_fts
		USING fts5(folder, issues)
	`).Error
	if err != nil {
		s.log.Warn().Err(err).Msg("fts5 not available, search will use fallback methods")
		return
	}
	s.fts = true
}

// indexVolume replaces the search-index row for one volume. issues is a
// flattened blob of issue numbers and titles.
func (s *Store) indexVolume(ctx context.Context, volumeID int, folder, issues string) {
	if !s.fts {
		return
	}
	db := s.db.WithContext(ctx)
	if err := db.Exec("DELETE FROM volumes_fts WHERE rowid = ?", volumeID).Error; err != nil {
		s.log.Error().Err(err).Int("volume_id", volumeID).Msg("clear search row failed")
		return
	}
	err := db.Exec("INSERT INTO volumes_fts(rowid, folder, issues) VALUES (?, ?, ?)",
		volumeID, folder, issues).Error
	if err != nil {
		s.log.Error().Err(err).Int("volume_id", volumeID).Msg("index volume failed")
	}
}

func issueSearchText(detail *VolumeDetail) string {
	var b strings.Builder
	for _, issue := range detail.Issues {
		if issue.IssueNumber != "" {
			b.WriteString(issue.IssueNumber)
			b.WriteByte(' ')
		}
		if issue.Title != "" {
			b.WriteString(issue.Title)
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// SearchVolumes finds cached volumes whose folder or issue text matches
// the query. With FTS5 available results come back in match-rank order;
// otherwise the query degrades to a substring match on the folder.
// Note: Uses raw SQL because GORM doesn't support FTS5 MATCH queries.
func (s *Store) SearchVolumes(ctx context.Context, query string, limit int) []Volume {
	if limit <= 0 {
		limit = 20
	}

	if !s.fts {
		var volumes []Volume
		err := s.db.WithContext(ctx).
			Where("volume_folder LIKE ?", "%"+query+"%").
			Order("id").Limit(limit).Find(&volumes).Error
		if err != nil {
			s.log.Error().Err(err).Str("query", query).Msg("search volumes failed")
			return nil
		}
		return volumes
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		s.log.Error().Err(err).Msg("search volumes failed")
		return nil
	}

	rows, err := sqlDB.QueryContext(ctx, `
		SELECT v.id, v.volume_folder, v.status, v.last_updated,
		       v.total_issues, v.issues_with_files,
		       v.metadata_processed, v.xml_generated, v.metadata_injected
		FROM volumes v
		JOIN volumes_fts fts ON v.id = fts.rowid
		WHERE volumes_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, query, limit)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("search volumes failed")
		return nil
	}
	defer rows.Close()

	var volumes []Volume
	for rows.Next() {
		var v Volume
		err := rows.Scan(
			&v.ID, &v.Folder, &v.Status, &v.LastUpdated,
			&v.TotalIssues, &v.IssuesWithFiles,
			&v.MetadataProcessed, &v.XMLGenerated, &v.MetadataInjected,
		)
		if err != nil {
			s.log.Error().Err(err).Msg("scan search row failed")
			return nil
		}
		volumes = append(volumes, v)
	}
	if err := rows.Err(); err != nil {
		s.log.Error().Err(err).Msg("search volumes failed")
		return nil
	}
	return volumes
}

// RebuildSearchIndex wipes and repopulates the FTS index from the
// volumes and detail tables. Use after a migrate -rebuild. A no-op when
// FTS5 is unavailable.
func (s *Store) RebuildSearchIndex(ctx context.Context) error {
	if !s.fts {
		return nil
	}
	db := s.db.WithContext(ctx)
	if err := db.Exec("DELETE FROM volumes_fts").Error; err != nil {
		return err
	}

	for _, v := range s.Volumes(ctx, 0) {
		issues := ""
		if detail, ok := s.VolumeDetail(ctx, v.ID); ok {
			issues = issueSearchText(detail)
		}
		s.indexVolume(ctx, v.ID, v.Folder, issues)
	}
	return nil
}
