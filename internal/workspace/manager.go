// Package workspace manages per-job file storage: isolated directories under
// the persistence root, incremental quota enforcement, and time-based purge.
//
// Layout: <root>/users/<user>/jobs/<job>/. A workspace is exclusively owned
// by its job while active; after release it belongs to the purge sweeper,
// which deletes it once its age exceeds the retention window.
package workspace

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Strob0t/ToolForge/internal/domain"
)

var unsafeComponent = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Manager owns the persistence root and the active-workspace registry.
type Manager struct {
	root      string
	usersDir  string
	retention time.Duration

	mu     sync.Mutex
	active map[string]struct{} // "<user>/<job>" while a job holds the workspace

	now func() time.Time
}

// NewManager creates the persistence root. Failure here is process-fatal:
// the service cannot run without its workspace root.
func NewManager(root string, retention time.Duration) (*Manager, error) {
	usersDir := filepath.Join(root, "users")
	if err := os.MkdirAll(usersDir, 0o750); err != nil {
		return nil, &domain.StorageError{Op: "init workspace root", Err: err}
	}
	return &Manager{
		root:      root,
		usersDir:  usersDir,
		retention: retention,
		active:    make(map[string]struct{}),
		now:       time.Now,
	}, nil
}

// Allocate creates an isolated directory for the job and returns a handle.
// The workspace is marked active until Release is called.
func (m *Manager) Allocate(user, jobID string, quota int64) (*Handle, error) {
	u := sanitizeComponent(user, "user")
	j := sanitizeComponent(jobID, "job")
	dir := filepath.Join(m.usersDir, u, "jobs", j)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &domain.StorageError{Op: "allocate workspace", Err: err}
	}

	m.mu.Lock()
	m.active[u+"/"+j] = struct{}{}
	m.mu.Unlock()

	return &Handle{mgr: m, user: u, job: j, dir: dir, quota: quota}, nil
}

// Release marks the workspace inactive, making it eligible for purge once
// its age exceeds the retention window. It does not delete anything.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	delete(m.active, h.user+"/"+h.job)
	m.mu.Unlock()
}

func (m *Manager) isActive(user, job string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[user+"/"+job]
	return ok
}

// StartSweeper runs the purge sweep every interval. Returns a cancel func.
func (m *Manager) StartSweeper(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				removed, err := m.Sweep(m.now(), m.retention)
				if err != nil {
					slog.Error("workspace sweep failed", "error", err)
				} else if removed > 0 {
					slog.Info("workspace sweep", "removed", removed)
				}
			}
		}
	}()
	return func() { close(done) }
}

// Sweep deletes inactive workspaces whose newest file mtime is older than
// maxAge at the given time, then prunes empty jobs/user directories. Active
// workspaces are never touched, so the sweeper cannot race allocation or
// writes for a live job.
func (m *Manager) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	threshold := now.Add(-maxAge)
	removed := 0

	userDirs, err := os.ReadDir(m.usersDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &domain.StorageError{Op: "sweep", Err: err}
	}

	for _, ud := range userDirs {
		if !ud.IsDir() {
			continue
		}
		user := ud.Name()
		jobsRoot := filepath.Join(m.usersDir, user, "jobs")
		jobDirs, err := os.ReadDir(jobsRoot)
		if err != nil {
			m.pruneIfEmpty(filepath.Join(m.usersDir, user))
			continue
		}
		for _, jd := range jobDirs {
			if !jd.IsDir() {
				continue
			}
			if m.isActive(user, jd.Name()) {
				continue
			}
			dir := filepath.Join(jobsRoot, jd.Name())
			if newestMtime(dir).After(threshold) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				slog.Error("workspace purge failed", "dir", dir, "error", err)
				continue
			}
			removed++
		}
		m.pruneIfEmpty(jobsRoot)
		m.pruneIfEmpty(filepath.Join(m.usersDir, user))
	}
	return removed, nil
}

func (m *Manager) pruneIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// newestMtime returns the most recent mtime in the tree rooted at dir.
func newestMtime(dir string) time.Time {
	var latest time.Time
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // entries may vanish mid-walk
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}

// sanitizeComponent makes a string safe as a single path component. Hostile
// or empty components fall back to a digest-based name, mirroring the user
// and job IDs the transport hands us verbatim.
func sanitizeComponent(component, fallback string) string {
	cleaned := unsafeComponent.ReplaceAllString(component, "_")
	if cleaned != "" && cleaned[0] != '.' {
		if len(cleaned) > 255 {
			cleaned = cleaned[:255]
		}
		return cleaned
	}
	sum := sha1.Sum([]byte(component))
	return fmt.Sprintf("%s_%x", fallback, sum[:6])
}

// Handle is the per-job view of a workspace. Writes are quota-checked
// incrementally; bytes on disk never exceed the quota.
type Handle struct {
	mgr   *Manager
	user  string
	job   string
	dir   string
	quota int64

	mu      sync.Mutex
	written int64
}

// Dir returns the workspace directory.
func (h *Handle) Dir() string { return h.dir }

// Release marks the workspace inactive via its manager. Safe to call once
// the owning job is terminal; idempotent.
func (h *Handle) Release() { h.mgr.Release(h) }

// BytesWritten returns the quota-counted bytes currently on disk.
func (h *Handle) BytesWritten() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// Path returns the absolute path for a ref inside the workspace.
func (h *Handle) Path(ref string) string {
	return filepath.Join(h.dir, sanitizeFilename(ref))
}

// WriteFile stores data under name, returning the ref. The write is
// rejected before any byte lands if it would exceed the quota.
func (h *Handle) WriteFile(name string, data []byte) (string, error) {
	ref, _, err := h.WriteFrom(name, bytes.NewReader(data))
	return ref, err
}

// WriteFrom streams r into the workspace under name. The first chunk that
// would cross the quota aborts the write, removes the partial file, and
// returns a QuotaError.
func (h *Handle) WriteFrom(name string, r io.Reader) (string, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	safe := h.uniqueFilename(sanitizeFilename(name))
	path := filepath.Join(h.dir, safe)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, &domain.StorageError{Op: "create file", Err: err}
	}

	var total int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if h.written+total+int64(n) > h.quota {
				_ = f.Close()
				_ = os.Remove(path)
				return "", 0, &domain.QuotaError{Quota: h.quota}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return "", 0, &domain.StorageError{Op: "write file", Err: err}
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", 0, &domain.StorageError{Op: "read upload", Err: readErr}
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, &domain.StorageError{Op: "close file", Err: err}
	}
	h.written += total
	return safe, total, nil
}

// ReadFile loads a previously written ref.
func (h *Handle) ReadFile(ref string) ([]byte, error) {
	data, err := os.ReadFile(h.Path(ref))
	if err != nil {
		return nil, &domain.StorageError{Op: "read file", Err: err}
	}
	return data, nil
}

// uniqueFilename avoids clobbering an existing file by suffixing _1, _2, ….
// Caller holds h.mu.
func (h *Handle) uniqueFilename(name string) string {
	if _, err := os.Stat(filepath.Join(h.dir, name)); errors.Is(err, fs.ErrNotExist) {
		return name
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	if stem == "" {
		stem = "file"
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(filepath.Join(h.dir, candidate)); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	cleaned := unsafeComponent.ReplaceAllString(base, "_")
	if cleaned == "" || cleaned[0] == '.' {
		cleaned = "file"
	}
	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}
	return cleaned
}
