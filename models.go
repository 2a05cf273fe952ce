package cbsync

import (
	"time"
)

// VolumeStatusAvailable is the only status the upstream catalog reports
// for volumes it tracks.
const VolumeStatusAvailable = "available"

// Volume is a cached catalog entry for one tracked volume.
type Volume struct {
	// ID is the upstream-assigned volume identifier. Upstream never
	// reuses ids, so it doubles as the primary key.
	ID int `gorm:"primaryKey"`

	// Folder is the volume's folder translated to the local library
	// layout (e.g., "comics/DC Comics/Batgirl (2025)").
	Folder string `gorm:"column:volume_folder"`

	// Status as reported by the catalog service.
	Status string `gorm:"default:available"`

	// LastUpdated is when this row was last written.
	LastUpdated time.Time `gorm:"index"`

	// TotalIssues and IssuesWithFiles are aggregate counters recomputed
	// from the cached detail blob whenever it is stored.
	TotalIssues     int `gorm:"column:total_issues"`
	IssuesWithFiles int `gorm:"column:issues_with_files"`

	// Completion flags. These are set independently: reset flows must be
	// able to clear one without touching the others.
	MetadataProcessed bool `gorm:"column:metadata_processed"`
	XMLGenerated      bool `gorm:"column:xml_generated"`
	MetadataInjected  bool `gorm:"column:metadata_injected"`
}

func (Volume) TableName() string {
	return "volumes"
}

// VolumeDetailRecord stores the full upstream record for a volume as an
// opaque JSON blob. It is only ever replaced wholesale, never mutated.
type VolumeDetailRecord struct {
	VolumeID    int    `gorm:"primaryKey;column:volume_id"`
	DetailsJSON string `gorm:"column:details_json;type:text"`
	LastUpdated time.Time
}

func (VolumeDetailRecord) TableName() string {
	return "volume_details"
}

// IssueStatus is the durable per-issue processing record. An issue is
// identified by (volume id, metadata-source id) - issue numbers can repeat
// or be renumbered, so the number is display-only.
type IssueStatus struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	VolumeID int   `gorm:"column:volume_id;uniqueIndex:idx_issue_identity"`

	// SourceID is the upstream metadata-source (ComicVine) id for the issue.
	SourceID int64 `gorm:"column:comicvine_id;uniqueIndex:idx_issue_identity"`

	IssueNumber string `gorm:"column:issue_number"`

	MetadataProcessed bool       `gorm:"column:metadata_processed"`
	ProcessedAt       *time.Time `gorm:"column:processed_at"`
	MetadataInjected  bool       `gorm:"column:metadata_injected"`
	InjectedAt        *time.Time `gorm:"column:injected_at"`
}

func (IssueStatus) TableName() string {
	return "issue_metadata_status"
}

// CacheMeta is a generic key/value row used for cache bookkeeping.
type CacheMeta struct {
	Key         string `gorm:"primaryKey"`
	Value       string
	LastUpdated time.Time
}

func (CacheMeta) TableName() string {
	return "cache_metadata"
}

// Cache metadata keys.
const (
	// metaKeyVolumeCount is the number of volumes currently cached;
	// its timestamp is the cache-freshness clock.
	metaKeyVolumeCount = "volumes_count"

	// metaKeyUpstreamTotal is the last aggregate volume count reported
	// by the catalog service, used for the cheap staleness check.
	metaKeyUpstreamTotal = "upstream_total_volumes"
)

// VolumeDetail is the decoded form of the upstream volume record.
type VolumeDetail struct {
	ID     int     `json:"id"`
	Folder string  `json:"folder"`
	Issues []Issue `json:"issues"`

	// CachedAt is when the detail blob was stored locally. Zero for
	// details that came straight from the upstream service.
	CachedAt time.Time `json:"-"`
}

// Issue is one entry in a volume's issue list.
type Issue struct {
	// ID is the catalog service's own issue id (informational).
	ID int `json:"id"`

	// SourceID is the metadata-source id used to fetch issue metadata.
	// Zero means the upstream has not matched this issue to a source
	// record, and it cannot be processed.
	SourceID int64 `json:"comicvine_id"`

	IssueNumber string `json:"issue_number"`
	Title       string `json:"title"`

	Files []IssueFile `json:"files"`
}

// HasFiles reports whether the issue has at least one file reference.
// Issues without files are permanently skipped by the processor.
func (i Issue) HasFiles() bool {
	return len(i.Files) > 0
}

// IssueFile is a file reference attached to an issue, with its path in
// the upstream catalog's namespace.
type IssueFile struct {
	ID   int    `json:"id"`
	Path string `json:"filepath"`
	Size int64  `json:"size"`
}

// IssuesWithFiles returns the subset of the detail's issues that carry at
// least one file reference, preserving order.
func (d *VolumeDetail) IssuesWithFiles() []Issue {
	var out []Issue
	for _, is := range d.Issues {
		if is.HasFiles() {
			out = append(out, is)
		}
	}
	return out
}

// IssueStatusUpdate is a sparse update for an IssueStatus row. Nil fields
// are left untouched. Setting a flag to true stamps its timestamp;
// setting it to false clears the flag but keeps the old timestamp.
type IssueStatusUpdate struct {
	IssueNumber *string
	Processed   *bool
	Injected    *bool
}
