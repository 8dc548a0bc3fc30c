// ABOUTME: Sandboxed per-conversation file namespace
// ABOUTME: Every externally supplied path is resolved inside the root before I/O

package workspace

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/parley/internal/storage"
)

// DirMimeType is reported for directories.
const DirMimeType = "application/x-directory"

// File errors. These indicate caller error and are never retried.
var (
	// ErrPathEscapes is returned when a supplied path resolves outside the
	// workspace root.
	ErrPathEscapes = errors.New("path escapes workspace")
	// ErrNotDirectory is returned on a directory/file type mismatch.
	ErrNotDirectory = errors.New("not a directory")
	// ErrIsDirectory is returned when file content is requested for a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// FileInfo describes one entry in the workspace. Paths are always relative
// to the workspace root, slash-separated.
type FileInfo struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileFilter is a serializable predicate object over FileInfo. With a
// delimiter set, only paths without further delimiters past the prefix
// match, giving single-level listings.
type FileFilter struct {
	PathPrefix    string `json:"path_prefix,omitempty"`
	PathDelimiter string `json:"path_delimiter,omitempty"`
}

// Matches reports whether the file satisfies the filter.
func (f FileFilter) Matches(info FileInfo) bool {
	if !strings.HasPrefix(info.Path, f.PathPrefix) {
		return false
	}
	if f.PathDelimiter != "" {
		rest := strings.TrimPrefix(info.Path, f.PathPrefix)
		rest = strings.TrimSuffix(rest, f.PathDelimiter)
		if strings.Contains(rest, f.PathDelimiter) {
			return false
		}
	}
	return true
}

// Workspace is the sandboxed file namespace scoped to one conversation.
type Workspace struct {
	root     string
	pageSize int
}

// New creates a workspace rooted at dir, creating it if needed.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspace{root: abs, pageSize: storage.DefaultPageSize}, nil
}

// Root returns the absolute workspace root directory.
func (w *Workspace) Root() string { return w.root }

// resolve verifies that rel stays inside the root and returns its absolute
// location. This runs before any I/O on externally supplied paths. Paths
// that climb above the root are rejected rather than silently neutralized.
func (w *Workspace) resolve(rel string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/..") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	abs := filepath.Join(w.root, filepath.FromSlash(cleaned))
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	// Reject symlink trickery on the existing portion of the path.
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil && resolved != abs {
		rootResolved, rootErr := filepath.EvalSymlinks(w.root)
		if rootErr != nil {
			rootResolved = w.root
		}
		if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
		}
	}
	return abs, nil
}

// relPath converts an absolute path under the root back to wire form.
func (w *Workspace) relPath(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) info(abs string) (FileInfo, error) {
	st, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, err
	}
	info := FileInfo{
		Path:      w.relPath(abs),
		Size:      st.Size(),
		UpdatedAt: st.ModTime(),
	}
	if st.IsDir() {
		info.Size = 0
		info.MimeType = DirMimeType
		if info.Path != "" {
			info.Path += "/"
		}
	} else {
		info.MimeType = mimeTypeFor(info.Path)
	}
	return info, nil
}

// CreateDir makes the directory at the path if it does not exist and
// returns its info.
func (w *Workspace) CreateDir(rel string) (FileInfo, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return FileInfo{}, err
	}
	if st, err := os.Stat(abs); err == nil && !st.IsDir() {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrNotDirectory, rel)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("creating directory: %w", err)
	}
	return w.info(abs)
}

// CreateFile touches the file at the path, creating an empty file if none
// exists, and returns its info.
func (w *Workspace) CreateFile(rel string) (FileInfo, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return FileInfo{}, err
	}
	if st, err := os.Stat(abs); err == nil && st.IsDir() {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrIsDirectory, rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return FileInfo{}, fmt.Errorf("touching file: %w", err)
	}
	f.Close()
	now := time.Now()
	if err := os.Chtimes(abs, now, now); err != nil {
		return FileInfo{}, fmt.Errorf("touching file: %w", err)
	}
	return w.info(abs)
}

// SaveFile writes the reader's content to the path, overwriting any
// existing file, and returns the resulting info.
func (w *Workspace) SaveFile(rel string, r io.Reader) (FileInfo, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return FileInfo{}, err
	}
	if st, err := os.Stat(abs); err == nil && st.IsDir() {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrIsDirectory, rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return FileInfo{}, fmt.Errorf("creating file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return FileInfo{}, fmt.Errorf("writing file: %w", err)
	}
	if err := f.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("writing file: %w", err)
	}
	return w.info(abs)
}

// DeleteFile removes the file or directory tree at the path. Returns true
// if something existed and was deleted.
func (w *Workspace) DeleteFile(rel string) (bool, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return false, err
	}
	if abs == w.root {
		return false, fmt.Errorf("%w: cannot delete workspace root", ErrPathEscapes)
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return false, fmt.Errorf("deleting: %w", err)
	}
	return true, nil
}

// LoadFile opens the file at the path for reading. Directories are not
// downloadable.
func (w *Workspace) LoadFile(rel string) (io.ReadCloser, FileInfo, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, FileInfo{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, FileInfo{}, storage.ErrNotFound
		}
		return nil, FileInfo{}, err
	}
	if st.IsDir() {
		return nil, FileInfo{}, fmt.Errorf("%w: %q", ErrIsDirectory, rel)
	}
	info, err := w.info(abs)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, FileInfo{}, fmt.Errorf("opening file: %w", err)
	}
	return f, info, nil
}

// GetFileInfo returns info on the entry at the path, or storage.ErrNotFound.
func (w *Workspace) GetFileInfo(rel string) (FileInfo, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := w.info(abs)
	if os.IsNotExist(err) {
		return FileInfo{}, storage.ErrNotFound
	}
	return info, err
}

// SearchFileInfo pages over workspace entries matching the filter, in
// lexical path order.
func (w *Workspace) SearchFileInfo(filter FileFilter, pageID string) (storage.Page[FileInfo], error) {
	infos, err := w.list(filter)
	if err != nil {
		return storage.Page[FileInfo]{}, err
	}
	return storage.PaginateSlice(infos, pageID, w.pageSize)
}

// CountFiles counts workspace entries matching the filter.
func (w *Workspace) CountFiles(filter FileFilter) (int, error) {
	infos, err := w.list(filter)
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

// Remove deletes the entire workspace from disk. Called on conversation
// destruction.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}

func (w *Workspace) list(filter FileFilter) ([]FileInfo, error) {
	var infos []FileInfo
	err := filepath.WalkDir(w.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == w.root {
			return nil
		}
		info, err := w.info(p)
		if err != nil {
			return err
		}
		if filter.Matches(info) {
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func mimeTypeFor(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}
