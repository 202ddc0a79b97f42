package download

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/itenfay/cxdownload/internal/storage"
)

// parseResource validates a download URL
func parseResource(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalidResourceError(rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidResourceError(rawURL, nil)
	}
	return u, nil
}

// resolveDirectory returns an absolute destination directory. Relative
// directories are placed under the default download directory.
func resolveDirectory(base, dir string) string {
	if dir == "" {
		return base
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(base, dir)
}

// resolveFileName picks the destination file name for u. A custom name
// without an extension inherits the URL's extension.
func resolveFileName(u *url.URL, custom, fallback string) string {
	ext := path.Ext(u.Path)

	if custom != "" {
		name := filepath.Base(custom)
		if filepath.Ext(name) == "" && ext != "" {
			name += ext
		}
		return name
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return fallback
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "_"))
	if name == "." || name == string(filepath.Separator) {
		return fallback
	}
	return name
}

// destinationPath returns where a finished task's file lives
func destinationPath(rec *storage.TaskRecord) string {
	return filepath.Join(rec.Directory, rec.FileName)
}

// tempPath returns the partial file for a task
func tempPath(tempDir, id string) string {
	return filepath.Join(tempDir, id)
}

// fileSize returns the size of a regular file, 0 if it does not exist
func fileSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// existingFile reports whether a regular file is present at p
func existingFile(p string) (int64, bool) {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}
