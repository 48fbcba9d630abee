package workbench

// Stage identifies a step of an in-flight publish or restore, reported on
// the event stream so a UI can render status without polling internals.
type Stage string

const (
	StageValidating           Stage = "validating"
	StageConflictCheck        Stage = "conflict_check"
	StageCheckpointPrePublish Stage = "checkpoint_pre_publish"
	StageSwapDirectories      Stage = "swap_directories"
	StageFinalizing           Stage = "finalizing"
	StageRollingBack          Stage = "rolling_back"
)

// Checkpoint reasons. The newest publish and pre_restore checkpoints are
// never pruned; auto and manual have independent retention buckets.
const (
	ReasonAuto       = "auto"
	ReasonManual     = "manual"
	ReasonPublish    = "publish"
	ReasonPreRestore = "pre_restore"
)

// Workbench describes a workbench on disk.
type Workbench struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	Generation uint64 `json:"generation"`
}

// DraftState is the metadata record for the single active draft. Its
// existence must always agree with the draft directory; disagreement is
// reconciled at startup and never observed by callers.
type DraftState struct {
	DraftID string `json:"draft_id"`
	// CreatedAt is RFC3339Nano.
	CreatedAt string `json:"created_at"`
	// Source tags who or what created the draft.
	Source string `json:"source,omitempty"`
	// PublishedGeneration is the fingerprint of published/ captured at
	// draft creation, compared again at publish for conflict detection.
	PublishedGeneration string `json:"published_generation"`
}

// CheckpointStats summarizes a checkpoint's published snapshot.
type CheckpointStats struct {
	Files      int   `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

// CheckpointMetadata describes an immutable named snapshot of published.
type CheckpointMetadata struct {
	CheckpointID string          `json:"checkpoint_id"`
	CreatedAt    string          `json:"created_at"`
	Reason       string          `json:"reason"`
	Description  string          `json:"description,omitempty"`
	Stats        CheckpointStats `json:"stats,omitempty"`
}

// RevisionMetadata describes one draft revision: an internal snapshot of
// draft content keyed to a caller-supplied head pointer.
type RevisionMetadata struct {
	RevisionID  string `json:"revision_id"`
	HeadPointer string `json:"head_pointer"`
	// Seq orders revisions by snapshot time; head pointers are assumed to
	// arrive in timeline order.
	Seq       uint64 `json:"seq"`
	CreatedAt string `json:"created_at"`
	// HasDraft records whether a draft existed at snapshot time. Restoring
	// to a pointer recorded without a draft deletes the draft entirely.
	HasDraft bool   `json:"has_draft"`
	DraftID  string `json:"draft_id,omitempty"`
}

// FileEntry is one row of the published file manifest.
type FileEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
	AddedAt    string `json:"added_at"`
}

// FileManifest lists the files under published/.
type FileManifest struct {
	SchemaVersion int         `json:"schema_version"`
	Files         []FileEntry `json:"files"`
}

// Change describes one difference between draft and published.
type Change struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"` // added | modified | deleted
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	CheckpointID string `json:"checkpoint_id"`
	PublishedAt  string `json:"published_at"`
}
