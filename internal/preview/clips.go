package preview

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// clipHandler serves recorded clips by file name from a single directory.
type clipHandler struct {
	dir string
}

func newClipHandler(dir string) *clipHandler {
	return &clipHandler{dir: dir}
}

func (h *clipHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if !strings.HasSuffix(filename, ".mp4") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.dir, filename)
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
