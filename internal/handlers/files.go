package handlers

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/termgate/termgate/internal/engine"
)

// The terminal inside the container runs as this uid, so uploaded files
// are handed over to it.
const (
	workspaceUID = 1000
	workspaceGID = 1000
)

type fileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified"`
}

// cleanWorkspacePath rejects traversal and resolves a client-supplied
// relative path against the workspace. The returned rel is normalized for
// responses.
func cleanWorkspacePath(workspace, raw string) (target, rel string, err error) {
	rel = strings.Trim(strings.TrimSpace(raw), "/\\")
	if strings.Contains(rel, "..") {
		return "", "", errors.New("invalid path")
	}
	target = workspace
	if rel != "" {
		target = filepath.Join(workspace, rel)
	}
	inside, err := filepath.Rel(workspace, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", "", errors.New("invalid path")
	}
	return target, rel, nil
}

func UploadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	// Folder uploads carry their relative path in the form; plain
	// uploads land under the workspace root by filename. Some clients
	// send the part with no filename at all, so one is generated.
	raw := r.FormValue("path")
	if raw == "" {
		raw = header.Filename
	}
	if raw == "" {
		raw = "upload-" + uuid.New().String()
	}
	target, rel, err := cleanWorkspacePath(info.Workspace, raw)
	if err != nil || rel == "" {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}
	if filepath.Base(rel) == "." {
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		log.Printf("Upload mkdir for session %s failed: %v", shortLabel(id), err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	chownWorkspaceTree(info.Workspace, filepath.Dir(target))

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("Upload open for session %s failed: %v", shortLabel(id), err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		log.Printf("Upload write for session %s failed: %v", shortLabel(id), err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	if err := os.Chown(target, workspaceUID, workspaceGID); err != nil {
		log.Printf("WARNING: chown %s: %v", target, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename":  filepath.Base(rel),
		"path":      rel,
		"size":      size,
		"full_path": engine.WorkspaceMount + "/" + filepath.ToSlash(rel),
	})
}

// chownWorkspaceTree hands every directory between the workspace root and
// dir over to the container user. Failure is logged, not fatal: when the
// gate does not run as root the terminal can still read the files.
func chownWorkspaceTree(workspace, dir string) {
	for dir != workspace && strings.HasPrefix(dir, workspace) {
		if err := os.Chmod(dir, 0o755); err != nil {
			log.Printf("WARNING: chmod %s: %v", dir, err)
			return
		}
		if err := os.Chown(dir, workspaceUID, workspaceGID); err != nil {
			log.Printf("WARNING: chown %s: %v", dir, err)
			return
		}
		dir = filepath.Dir(dir)
	}
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	files, err := listDir(info.Workspace)
	if err != nil {
		log.Printf("List workspace for session %s failed: %v", shortLabel(id), err)
		writeError(w, http.StatusInternalServerError, "Failed to list workspace")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func BrowseFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	target, rel, err := cleanWorkspacePath(info.Workspace, r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}

	st, err := os.Stat(target)
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "Path not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read path")
		return
	}
	if !st.IsDir() {
		writeError(w, http.StatusBadRequest, "Path is not a directory")
		return
	}

	files, err := listDir(target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list directory")
		return
	}

	var parent interface{}
	if rel != "" {
		parent = filepath.ToSlash(filepath.Dir(rel))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":   filepath.ToSlash(rel),
		"files":  files,
		"parent": parent,
	})
}

func DownloadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Path required")
		return
	}
	target, rel, err := cleanWorkspacePath(info.Workspace, raw)
	if err != nil || rel == "" {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}

	st, err := os.Stat(target)
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}
	if st.IsDir() {
		writeError(w, http.StatusBadRequest, "Path is a directory")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(target)))
	http.ServeFile(w, r, target)
}

// listDir returns directory entries, directories first then by name.
// Entries that vanish or refuse a stat mid-listing are skipped.
func listDir(dir string) ([]fileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		st, err := entry.Info()
		if err != nil {
			continue
		}
		size := st.Size()
		if entry.IsDir() {
			size = dirSize(filepath.Join(dir, entry.Name()))
		}
		files = append(files, fileEntry{
			Name:     entry.Name(),
			Size:     size,
			IsDir:    entry.IsDir(),
			Modified: st.ModTime().UTC().Format(time.RFC3339),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return files, nil
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if st, err := d.Info(); err == nil {
			total += st.Size()
		}
		return nil
	})
	return total
}
