package cbsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistent catalog cache: volume rows, cached detail
// blobs, per-issue processing state, and cache-validity metadata, all in
// one embedded sqlite database.
//
// Read and flag-update operations never propagate storage-engine errors
// to callers: they log and return empty/false instead. Callers must treat
// an empty result as "try later", not as proof of absence.
type Store struct {
	path      string
	db        *gorm.DB
	details   *detailCache
	translate PathTranslator
	fts       bool
	log       zerolog.Logger
}

// StoreOption configures a Store at open time.
type StoreOption func(*Store)

// WithPathTranslator sets the collaborator used to re-derive a volume's
// local folder when a detail blob carries an upstream folder string.
func WithPathTranslator(t PathTranslator) StoreOption {
	return func(s *Store) { s.translate = t }
}

// OpenStore opens or creates the catalog cache at the given database
// path, applying additive schema migrations before anything else touches
// the store.
func OpenStore(path string, log zerolog.Logger, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := path + "?_foreign_keys=1&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite3",
		DSN:        dsn,
	}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		path:      path,
		db:        db,
		details:   newDetailCache(1024),
		translate: identityPath,
		log:       log.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate applies additive-only schema migrations: AutoMigrate adds new
// tables and columns to an existing database without dropping data.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&Volume{}, &VolumeDetailRecord{}, &IssueStatus{}, &CacheMeta{}); err != nil {
		return err
	}
	s.migrateSearchIndex()
	return nil
}

// Rebuild drops and recreates every table, replaying all rows that still
// map onto the current schema. This is the last-resort destructive
// migration path; it must be invoked explicitly, never as part of normal
// startup.
func (s *Store) Rebuild(ctx context.Context) error {
	var volumes []Volume
	var details []VolumeDetailRecord
	var statuses []IssueStatus
	var meta []CacheMeta

	// Best-effort reads: rows that no longer scan are the reason a
	// rebuild was requested in the first place.
	s.db.WithContext(ctx).Find(&volumes)
	s.db.WithContext(ctx).Find(&details)
	s.db.WithContext(ctx).Find(&statuses)
	s.db.WithContext(ctx).Find(&meta)

	migrator := s.db.Migrator()
	for _, model := range []interface{}{&Volume{}, &VolumeDetailRecord{}, &IssueStatus{}, &CacheMeta{}} {
		if migrator.HasTable(model) {
			if err := migrator.DropTable(model); err != nil {
				return fmt.Errorf("drop table: %w", err)
			}
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range volumes {
			if err := tx.Create(&volumes[i]).Error; err != nil {
				return fmt.Errorf("replay volume %d: %w", volumes[i].ID, err)
			}
		}
		for i := range details {
			if err := tx.Create(&details[i]).Error; err != nil {
				return fmt.Errorf("replay detail %d: %w", details[i].VolumeID, err)
			}
		}
		for i := range statuses {
			statuses[i].ID = 0
			if err := tx.Create(&statuses[i]).Error; err != nil {
				return fmt.Errorf("replay issue status: %w", err)
			}
		}
		for i := range meta {
			if err := tx.Create(&meta[i]).Error; err != nil {
				return fmt.Errorf("replay cache metadata: %w", err)
			}
		}
		s.details.clear()
		return nil
	})
	if err != nil {
		return err
	}
	return s.RebuildSearchIndex(ctx)
}

// StoreVolumes replaces the entire volume table with the given list and
// stamps both cache-metadata keys with the list length. This is a full
// overwrite, not a merge: any previous notion of "new volumes" is gone
// until the next diff.
func (s *Store) StoreVolumes(ctx context.Context, volumes []Volume) bool {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Volume{}).Error; err != nil {
			return err
		}
		for i := range volumes {
			v := volumes[i]
			if v.Folder == "" {
				v.Folder = fmt.Sprintf("Volume %d", v.ID)
			}
			if v.Status == "" {
				v.Status = VolumeStatusAvailable
			}
			v.LastUpdated = now
			if err := tx.Create(&v).Error; err != nil {
				return err
			}
		}
		count := strconv.Itoa(len(volumes))
		if err := upsertMeta(tx, metaKeyVolumeCount, count, now); err != nil {
			return err
		}
		return upsertMeta(tx, metaKeyUpstreamTotal, count, now)
	})
	if err != nil {
		s.log.Error().Err(err).Int("volumes", len(volumes)).Msg("store volumes failed")
		return false
	}
	for i := range volumes {
		issues := ""
		if detail, ok := s.VolumeDetail(ctx, volumes[i].ID); ok {
			issues = issueSearchText(detail)
		}
		s.indexVolume(ctx, volumes[i].ID, volumes[i].Folder, issues)
	}
	s.log.Info().Int("volumes", len(volumes)).Msg("volume cache replaced")
	return true
}

// Volumes returns cached volumes ordered by id. A limit of 0 returns all.
func (s *Store) Volumes(ctx context.Context, limit int) []Volume {
	q := s.db.WithContext(ctx).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var volumes []Volume
	if err := q.Find(&volumes).Error; err != nil {
		s.log.Error().Err(err).Msg("list volumes failed")
		return nil
	}
	return volumes
}

// Volume returns one cached volume row.
func (s *Store) Volume(ctx context.Context, id int) (*Volume, bool) {
	var v Volume
	err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Int("volume", id).Msg("get volume failed")
		}
		return nil, false
	}
	return &v, true
}

// StoreVolumeDetail upserts the detail blob for a volume and recomputes
// the volume row's issue counters from the detail's issue list. If the
// detail carries an upstream folder string, the volume's local folder is
// re-derived through the path translator.
func (s *Store) StoreVolumeDetail(ctx context.Context, volumeID int, detail *VolumeDetail) bool {
	blob, err := json.Marshal(detail)
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("encode volume detail failed")
		return false
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := VolumeDetailRecord{
			VolumeID:    volumeID,
			DetailsJSON: string(blob),
			LastUpdated: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "volume_id"}},
			UpdateAll: true,
		}).Create(&rec).Error; err != nil {
			return err
		}

		withFiles := 0
		for _, is := range detail.Issues {
			if is.HasFiles() {
				withFiles++
			}
		}
		updates := map[string]interface{}{
			"total_issues":      len(detail.Issues),
			"issues_with_files": withFiles,
			"last_updated":      now,
		}
		if detail.Folder != "" {
			updates["volume_folder"] = s.translate(detail.Folder)
		}
		return tx.Model(&Volume{}).Where("id = ?", volumeID).Updates(updates).Error
	})
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("store volume detail failed")
		return false
	}

	cached := *detail
	cached.CachedAt = now
	s.details.put(volumeID, &cached)

	folder := s.translate(detail.Folder)
	s.indexVolume(ctx, volumeID, folder, issueSearchText(detail))
	return true
}

// VolumeDetail returns the cached detail blob for a volume, or false if
// none is cached (or the store is unreachable).
func (s *Store) VolumeDetail(ctx context.Context, volumeID int) (*VolumeDetail, bool) {
	if d, ok := s.details.get(volumeID); ok {
		return d, true
	}

	var rec VolumeDetailRecord
	err := s.db.WithContext(ctx).First(&rec, "volume_id = ?", volumeID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Int("volume", volumeID).Msg("get volume detail failed")
		}
		return nil, false
	}

	var detail VolumeDetail
	if err := json.Unmarshal([]byte(rec.DetailsJSON), &detail); err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("decode volume detail failed")
		return nil, false
	}
	detail.CachedAt = rec.LastUpdated
	s.details.put(volumeID, &detail)
	return &detail, true
}

// volumeStatusFields is the set of columns UpdateVolumeStatus will write.
// Anything else in the update map is silently ignored.
var volumeStatusFields = map[string]bool{
	"metadata_processed": true,
	"xml_generated":      true,
	"metadata_injected":  true,
	"total_issues":       true,
	"issues_with_files":  true,
}

// UpdateVolumeStatus applies a sparse update to a volume row. Only
// recognized flag/counter fields are written; unrecognized keys are
// dropped without error.
func (s *Store) UpdateVolumeStatus(ctx context.Context, volumeID int, fields map[string]interface{}) bool {
	updates := map[string]interface{}{}
	for k, v := range fields {
		if volumeStatusFields[k] {
			updates[k] = v
		}
	}
	if len(updates) == 0 {
		return false
	}
	updates["last_updated"] = time.Now()

	err := s.db.WithContext(ctx).Model(&Volume{}).Where("id = ?", volumeID).Updates(updates).Error
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("update volume status failed")
		return false
	}
	return true
}

// IsCacheValid reports whether the volume cache was refreshed within
// maxAge. A missing freshness timestamp means not valid: absence fails
// closed toward a re-fetch.
func (s *Store) IsCacheValid(ctx context.Context, maxAge time.Duration) bool {
	var meta CacheMeta
	err := s.db.WithContext(ctx).First(&meta, "key = ?", metaKeyVolumeCount).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Msg("cache validity check failed")
		}
		return false
	}
	return time.Since(meta.LastUpdated) < maxAge
}

// UpstreamCountChanged reports whether the upstream aggregate volume
// count differs from the last one recorded by StoreVolumes. No recorded
// count also counts as changed. This O(1) check is what lets the syncer
// skip a full O(volumes) upstream enumeration.
func (s *Store) UpstreamCountChanged(ctx context.Context, currentCount int) bool {
	last, ok := s.LastUpstreamCount(ctx)
	if !ok {
		return true
	}
	return last != currentCount
}

// LastUpstreamCount returns the last aggregate volume count recorded from
// the catalog service.
func (s *Store) LastUpstreamCount(ctx context.Context) (int, bool) {
	var meta CacheMeta
	err := s.db.WithContext(ctx).First(&meta, "key = ?", metaKeyUpstreamTotal).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Msg("get upstream count failed")
		}
		return 0, false
	}
	n, err := strconv.Atoi(meta.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// UpdateIssueStatus upserts the per-issue processing record keyed by
// (volume id, metadata-source id). The unique index on that pair is the
// serialization point for concurrent writers: a conflicting insert turns
// into an update of the existing row.
//
// Setting a flag to true stamps its timestamp; setting it to false clears
// the flag and leaves the old timestamp in place.
func (s *Store) UpdateIssueStatus(ctx context.Context, volumeID int, sourceID int64, upd IssueStatusUpdate) bool {
	now := time.Now()
	row := IssueStatus{VolumeID: volumeID, SourceID: sourceID}
	assign := map[string]interface{}{}

	if upd.IssueNumber != nil {
		row.IssueNumber = *upd.IssueNumber
		assign["issue_number"] = *upd.IssueNumber
	}
	if upd.Processed != nil {
		row.MetadataProcessed = *upd.Processed
		assign["metadata_processed"] = *upd.Processed
		if *upd.Processed {
			row.ProcessedAt = &now
			assign["processed_at"] = now
		}
	}
	if upd.Injected != nil {
		row.MetadataInjected = *upd.Injected
		assign["metadata_injected"] = *upd.Injected
		if *upd.Injected {
			row.InjectedAt = &now
			assign["injected_at"] = now
		}
	}
	if len(assign) == 0 {
		// Bare touch: make sure the row exists, change nothing on conflict.
		assign["issue_number"] = row.IssueNumber
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "volume_id"}, {Name: "comicvine_id"}},
		DoUpdates: clause.Assignments(assign),
	}).Create(&row).Error
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Int64("source_id", sourceID).Msg("update issue status failed")
		return false
	}
	return true
}

// IssueStatusFor returns the processing record for one issue, or false if
// the issue has never been touched.
func (s *Store) IssueStatusFor(ctx context.Context, volumeID int, sourceID int64) (*IssueStatus, bool) {
	var st IssueStatus
	err := s.db.WithContext(ctx).
		First(&st, "volume_id = ? AND comicvine_id = ?", volumeID, sourceID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Int("volume", volumeID).Int64("source_id", sourceID).Msg("get issue status failed")
		}
		return nil, false
	}
	return &st, true
}

// IssueStatuses returns all processing records for a volume.
func (s *Store) IssueStatuses(ctx context.Context, volumeID int) []IssueStatus {
	var statuses []IssueStatus
	err := s.db.WithContext(ctx).Where("volume_id = ?", volumeID).Order("comicvine_id").Find(&statuses).Error
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("list issue statuses failed")
		return nil
	}
	return statuses
}

// DetectNewIssues returns issues in the cached detail that have files and
// a metadata-source id but no processing record yet. This is how the
// scheduler finds issues added to an already-known volume without
// reprocessing the whole volume.
func (s *Store) DetectNewIssues(ctx context.Context, volumeID int) []Issue {
	detail, ok := s.VolumeDetail(ctx, volumeID)
	if !ok {
		return nil
	}

	known := map[int64]bool{}
	for _, st := range s.IssueStatuses(ctx, volumeID) {
		known[st.SourceID] = true
	}

	var fresh []Issue
	for _, is := range detail.Issues {
		if !is.HasFiles() || is.SourceID == 0 {
			continue
		}
		if !known[is.SourceID] {
			fresh = append(fresh, is)
		}
	}
	return fresh
}

// VolumesNeedingMetadata returns cached volumes that have file-bearing
// issues but no completed metadata pass, ordered by id.
func (s *Store) VolumesNeedingMetadata(ctx context.Context) []Volume {
	var volumes []Volume
	err := s.db.WithContext(ctx).
		Where("metadata_processed = ? AND issues_with_files > 0", false).
		Order("id").Find(&volumes).Error
	if err != nil {
		s.log.Error().Err(err).Msg("list volumes needing metadata failed")
		return nil
	}
	return volumes
}

// ResetIssueStatus clears the processed and injected flags for one issue
// and drops the volume-level rollup flags, making the issue eligible for
// the next processing cycle.
func (s *Store) ResetIssueStatus(ctx context.Context, volumeID int, sourceID int64) bool {
	f := false
	if !s.UpdateIssueStatus(ctx, volumeID, sourceID, IssueStatusUpdate{Processed: &f, Injected: &f}) {
		return false
	}
	return s.UpdateVolumeStatus(ctx, volumeID, map[string]interface{}{
		"metadata_processed": false,
		"metadata_injected":  false,
	})
}

// ResetVolumeIssueStatuses clears processed/injected flags on every issue
// record of a volume plus the volume-level rollup flags.
func (s *Store) ResetVolumeIssueStatuses(ctx context.Context, volumeID int) bool {
	err := s.db.WithContext(ctx).Model(&IssueStatus{}).
		Where("volume_id = ?", volumeID).
		Updates(map[string]interface{}{
			"metadata_processed": false,
			"metadata_injected":  false,
		}).Error
	if err != nil {
		s.log.Error().Err(err).Int("volume", volumeID).Msg("reset volume issue statuses failed")
		return false
	}
	return s.UpdateVolumeStatus(ctx, volumeID, map[string]interface{}{
		"metadata_processed": false,
		"metadata_injected":  false,
	})
}

// ClearCache deletes every row in all four tables. Full reset, not a
// schema change.
func (s *Store) ClearCache(ctx context.Context) bool {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []interface{}{&Volume{}, &VolumeDetailRecord{}, &IssueStatus{}, &CacheMeta{}} {
			if err := sess.Delete(model).Error; err != nil {
				return err
			}
		}
		if s.fts {
			return tx.Exec("DELETE FROM volumes_fts").Error
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("clear cache failed")
		return false
	}
	s.details.clear()
	s.log.Info().Msg("volume cache cleared")
	return true
}

// CacheInfo describes the state of the catalog cache.
type CacheInfo struct {
	VolumesCount      int64
	CacheAge          time.Duration
	HasFreshness      bool
	MetadataProcessed int64
	XMLGenerated      int64
	MetadataInjected  int64
	LastUpstreamTotal int
	HasUpstreamTotal  bool
	DatabasePath      string
}

// CacheInfoFor reports cache statistics for status displays.
func (s *Store) CacheInfoFor(ctx context.Context) CacheInfo {
	info := CacheInfo{DatabasePath: s.path}

	db := s.db.WithContext(ctx)
	if err := db.Model(&Volume{}).Count(&info.VolumesCount).Error; err != nil {
		s.log.Error().Err(err).Msg("cache info failed")
		return info
	}
	db.Model(&Volume{}).Where("metadata_processed = ?", true).Count(&info.MetadataProcessed)
	db.Model(&Volume{}).Where("xml_generated = ?", true).Count(&info.XMLGenerated)
	db.Model(&Volume{}).Where("metadata_injected = ?", true).Count(&info.MetadataInjected)

	var meta CacheMeta
	if err := db.First(&meta, "key = ?", metaKeyVolumeCount).Error; err == nil {
		info.HasFreshness = true
		info.CacheAge = time.Since(meta.LastUpdated)
	}
	info.LastUpstreamTotal, info.HasUpstreamTotal = s.LastUpstreamCount(ctx)
	return info
}

func upsertMeta(tx *gorm.DB, key, value string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&CacheMeta{Key: key, Value: value, LastUpdated: now}).Error
}
