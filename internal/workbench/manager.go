// Package workbench implements the snapshot and transaction engine: a
// crash-safe versioned file store per workbench, split into an approved
// published tree and a single mutable draft, with named restorable
// checkpoints and an internal draft-revision ring for fine-grained undo.
//
// The safety invariant throughout: automated writers only ever mutate
// draft/, never published/. Published changes hands solely via the atomic
// publish and restore swaps.
package workbench

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/draftvault/internal/config"
	"github.com/mattjoyce/draftvault/internal/events"
	"github.com/mattjoyce/draftvault/internal/ledger"
	"github.com/mattjoyce/draftvault/internal/lock"
	"github.com/mattjoyce/draftvault/internal/snapshot"
	"github.com/mattjoyce/draftvault/internal/storage"
)

const (
	publishedDirName = "published"
	draftDirName     = "draft"
	metaDirName      = "meta"
	schema           = 1

	publishedAsideName  = "published.prev"
	restoreStagingName  = "published.restore_tmp"
	draftRestoreTmpName = "draft.restore_tmp"
)

//go:generate mockgen -destination=mocks/mock_audit.go -package=mocks github.com/mattjoyce/draftvault/internal/workbench AuditSink

// AuditSink records engine lifecycle events. Failures to audit are logged,
// never fatal to the operation being audited.
type AuditSink interface {
	Record(ctx context.Context, workbenchID, action string, detail map[string]any) error
}

// Options carries the manager's collaborators and tuning.
type Options struct {
	Locks        *lock.Table
	Hub          *events.Hub
	Audit        AuditSink
	Logger       *slog.Logger
	LockTimeout  time.Duration
	Retention    config.RetentionConfig
	DiskHeadroom float64
}

// Manager owns every workbench under a base directory. All mutating
// operations acquire the per-workbench lock for their full duration;
// read-only listings do not.
type Manager struct {
	baseDir      string
	locks        *lock.Table
	hub          *events.Hub
	audit        AuditSink
	logger       *slog.Logger
	materializer *snapshot.Materializer
	lockTimeout  time.Duration
	retention    config.RetentionConfig
	diskHeadroom float64

	// freeBytes is swappable for disk-exhaustion tests.
	freeBytes func(path string) (uint64, error)

	mu          sync.Mutex
	quarantined map[string]bool
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string, opts Options) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workbench base directory is empty")
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewTable()
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(256)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.DiskHeadroom < 1.0 {
		opts.DiskHeadroom = 1.2
	}
	if opts.Retention.MaxManualCheckpoints <= 0 {
		opts.Retention.MaxManualCheckpoints = 50
	}
	if opts.Retention.MaxAutoCheckpoints <= 0 {
		opts.Retention.MaxAutoCheckpoints = 200
	}
	if opts.Retention.MaxDraftRevisions <= 0 {
		opts.Retention.MaxDraftRevisions = 200
	}
	if opts.Retention.DiskPressurePolicy == "" {
		opts.Retention.DiskPressurePolicy = config.PressureWarn
	}

	return &Manager{
		baseDir:      filepath.Clean(trimmed),
		locks:        opts.Locks,
		hub:          opts.Hub,
		audit:        opts.Audit,
		logger:       opts.Logger,
		materializer: snapshot.NewMaterializer(opts.Logger),
		lockTimeout:  opts.LockTimeout,
		retention:    opts.Retention,
		diskHeadroom: opts.DiskHeadroom,
		freeBytes:    storage.FreeBytes,
		quarantined:  make(map[string]bool),
	}, nil
}

// Hub exposes the event stream for API/TUI subscribers.
func (m *Manager) Hub() *events.Hub { return m.hub }

// Create initializes a new workbench with an empty published tree.
func (m *Manager) Create(name string) (*Workbench, error) {
	if strings.TrimSpace(name) == "" {
		name = "Untitled Workbench"
	}
	id := uuid.NewString()
	root := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(filepath.Join(root, publishedDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create published directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, metaDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	wb := &Workbench{ID: id, Name: name, CreatedAt: now, UpdatedAt: now, Generation: 0}
	if err := writeJSON(m.workbenchMetaPath(root), wb); err != nil {
		return nil, fmt.Errorf("write workbench metadata: %w", err)
	}
	manifest := FileManifest{SchemaVersion: schema, Files: []FileEntry{}}
	if err := writeJSON(m.manifestPath(root), manifest); err != nil {
		return nil, fmt.Errorf("write file manifest: %w", err)
	}
	return wb, nil
}

// Open returns metadata for an existing workbench.
func (m *Manager) Open(id string) (*Workbench, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	var wb Workbench
	if err := readJSON(m.workbenchMetaPath(root), &wb); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workbench %q: %w", id, ErrWorkbenchNotFound)
		}
		return nil, fmt.Errorf("read workbench metadata: %w", err)
	}
	return &wb, nil
}

// List returns all workbenches, most recently updated first.
func (m *Manager) List() ([]Workbench, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Workbench{}, nil
		}
		return nil, fmt.Errorf("read workbench base directory: %w", err)
	}
	var workbenches []Workbench
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wb, err := m.Open(entry.Name())
		if err != nil {
			continue
		}
		workbenches = append(workbenches, *wb)
	}
	sort.Slice(workbenches, func(i, j int) bool {
		return workbenches[i].UpdatedAt > workbenches[j].UpdatedAt
	})
	return workbenches, nil
}

// Delete removes a workbench entirely. Refused while a draft exists.
func (m *Manager) Delete(ctx context.Context, id string) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("workbench %q: %w", id, ErrWorkbenchNotFound)
		}
		return fmt.Errorf("stat workbench root: %w", err)
	}
	if m.draftExists(root) {
		return fmt.Errorf("delete workbench %q: %w", id, ErrDraftExists)
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove workbench %q: %w", id, err)
	}
	return nil
}

// ActiveArea resolves the view collaborators should read and write: the
// draft if one exists, published otherwise. Pure over draft existence,
// never cached.
func (m *Manager) ActiveArea(id string) (string, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return "", err
	}
	if m.draftExists(root) {
		return draftDirName, nil
	}
	return publishedDirName, nil
}

// ApplyDraftWrite writes content to relPath inside the active draft. This
// is the only mutation surface offered to automated writers; it requires
// an active draft so published can never be touched.
func (m *Manager) ApplyDraftWrite(ctx context.Context, id, relPath string, content []byte) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}
	if !m.draftExists(root) {
		return fmt.Errorf("write %q: %w", relPath, ErrNoDraft)
	}

	clean, err := sandboxRelPath(relPath)
	if err != nil {
		return err
	}
	target := filepath.Join(root, draftDirName, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create draft subdirectory: %w", err)
	}
	if err := writeFileAtomic(target, content); err != nil {
		return fmt.Errorf("write draft file %q: %w", clean, err)
	}
	return nil
}

// ApplyDraftRemove deletes relPath from the draft area. The published tree
// is never touched; the removal shows up as a "deleted" change and takes
// effect on publish.
func (m *Manager) ApplyDraftRemove(ctx context.Context, id, relPath string) error {
	guard, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer guard.Release()

	root, err := m.workbenchRoot(id)
	if err != nil {
		return err
	}
	if !m.draftExists(root) {
		return fmt.Errorf("remove %q: %w", relPath, ErrNoDraft)
	}

	clean, err := sandboxRelPath(relPath)
	if err != nil {
		return err
	}
	target := filepath.Join(root, draftDirName, clean)
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("remove draft file %q: %w", clean, err)
	}
	if info.IsDir() {
		return fmt.Errorf("remove draft file %q: is a directory: %w", clean, ErrInvalidPath)
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("remove draft file %q: %w", clean, err)
	}
	return nil
}

// ReadFile reads relPath from the named area ("published" or "draft").
func (m *Manager) ReadFile(id, area, relPath string) ([]byte, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	if area != publishedDirName && area != draftDirName {
		return nil, fmt.Errorf("area %q: %w", area, ErrInvalidPath)
	}
	clean, err := sandboxRelPath(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(root, area, clean))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", area, clean, err)
	}
	return data, nil
}

// FilesList returns the published file manifest.
func (m *Manager) FilesList(id string) ([]FileEntry, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	manifest, err := m.readManifest(root)
	if err != nil {
		return nil, err
	}
	return manifest.Files, nil
}

// ChangeSet lists differences between draft and published by content hash.
// Read-only: tolerates a draft vanishing mid-walk by reporting no draft.
func (m *Manager) ChangeSet(id string) ([]Change, error) {
	root, err := m.workbenchRoot(id)
	if err != nil {
		return nil, err
	}
	draftFiles, err := hashTree(filepath.Join(root, draftDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("change set: %w", ErrNoDraft)
		}
		return nil, err
	}
	publishedFiles, err := hashTree(filepath.Join(root, publishedDirName))
	if err != nil {
		return nil, err
	}

	changes := []Change{}
	for path, draftHash := range draftFiles {
		pubHash, ok := publishedFiles[path]
		if !ok {
			changes = append(changes, Change{Path: path, ChangeType: "added"})
			continue
		}
		if pubHash != draftHash {
			changes = append(changes, Change{Path: path, ChangeType: "modified"})
		}
	}
	for path := range publishedFiles {
		if _, ok := draftFiles[path]; !ok {
			changes = append(changes, Change{Path: path, ChangeType: "deleted"})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// --- internals ---

func (m *Manager) acquire(id string) (*lock.Guard, error) {
	if m.isQuarantined(id) {
		return nil, fmt.Errorf("workbench %q: %w", id, ErrCrashRecoveryRequired)
	}
	guard, err := m.locks.Acquire(id, m.lockTimeout)
	if err != nil {
		return nil, err
	}
	// Quarantine may have been set while we waited.
	if m.isQuarantined(id) {
		guard.Release()
		return nil, fmt.Errorf("workbench %q: %w", id, ErrCrashRecoveryRequired)
	}
	return guard, nil
}

func (m *Manager) isQuarantined(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined[id]
}

func (m *Manager) quarantine(id string) {
	m.mu.Lock()
	m.quarantined[id] = true
	m.mu.Unlock()
	m.logger.Error("workbench quarantined; operator intervention required", "workbench_id", id)
}

func (m *Manager) workbenchRoot(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, string(filepath.Separator)+"\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("workbench id %q: %w", id, ErrInvalidPath)
	}
	return filepath.Join(m.baseDir, id), nil
}

func (m *Manager) publishedPath(root string) string { return filepath.Join(root, publishedDirName) }
func (m *Manager) draftPath(root string) string     { return filepath.Join(root, draftDirName) }
func (m *Manager) metaPath(root string) string      { return filepath.Join(root, metaDirName) }

func (m *Manager) workbenchMetaPath(root string) string {
	return filepath.Join(root, metaDirName, "workbench.json")
}

func (m *Manager) manifestPath(root string) string {
	return filepath.Join(root, metaDirName, "files.json")
}

func (m *Manager) draftStatePath(root string) string {
	return filepath.Join(root, metaDirName, "draft.json")
}

func (m *Manager) ledgerFor(root string) *ledger.Ledger {
	return ledger.New(filepath.Join(root, metaDirName, "transaction.json"))
}

func (m *Manager) draftExists(root string) bool {
	info, err := os.Stat(m.draftPath(root))
	return err == nil && info.IsDir()
}

func (m *Manager) readManifest(root string) (*FileManifest, error) {
	var manifest FileManifest
	if err := readJSON(m.manifestPath(root), &manifest); err != nil {
		if os.IsNotExist(err) {
			return &FileManifest{SchemaVersion: schema, Files: []FileEntry{}}, nil
		}
		return nil, fmt.Errorf("read file manifest: %w", err)
	}
	return &manifest, nil
}

// rebuildManifest regenerates files.json from the published tree. Called
// after publish and restore swaps.
func (m *Manager) rebuildManifest(root string) error {
	published := m.publishedPath(root)
	manifest := &FileManifest{SchemaVersion: schema, Files: []FileEntry{}}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := filepath.WalkDir(published, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(published, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		manifest.Files = append(manifest.Files, FileEntry{
			Path:       filepath.ToSlash(rel),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC().Format(time.RFC3339Nano),
			AddedAt:    now,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan published tree: %w", err)
	}
	sort.Slice(manifest.Files, func(i, j int) bool { return manifest.Files[i].Path < manifest.Files[j].Path })
	return writeJSON(m.manifestPath(root), manifest)
}

// touchUpdated stamps the workbench metadata. A non-zero generation pins
// the value (markers carry the target so finalize is idempotent); zero
// bumps from whatever is on disk.
func (m *Manager) touchUpdated(root string, at time.Time, generation uint64) error {
	var wb Workbench
	if err := readJSON(m.workbenchMetaPath(root), &wb); err != nil {
		return fmt.Errorf("read workbench metadata: %w", err)
	}
	wb.UpdatedAt = at.UTC().Format(time.RFC3339Nano)
	if generation > 0 {
		wb.Generation = generation
	} else {
		wb.Generation++
	}
	return writeJSON(m.workbenchMetaPath(root), &wb)
}

func (m *Manager) recordAudit(ctx context.Context, id, action string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, id, action, detail); err != nil {
		m.logger.Warn("audit append failed", "workbench_id", id, "action", action, "error", err)
	}
}

func (m *Manager) emitProgress(id string, stage Stage) {
	m.hub.Publish(events.TypeProgress, id, map[string]string{"stage": string(stage)})
}

func sandboxRelPath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	if strings.Contains(relPath, "\\") {
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	return clean, nil
}

func hashTree(root string) (map[string]string, error) {
	results := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		sum := blake3.Sum256(data)
		results[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", path, err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
