package upgrade

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/turtacn/Vigil/pkg/errors"
)

const markerSuffix = ".lastupdated"

// Layout maps package ids to their cache and install locations.
type Layout struct {
	// CacheRoot is the download tool's install root for packages.
	CacheRoot string
	// AppID owns the packages; the tool nests downloads under it.
	AppID string
	// InstallSubdir is the package directory relative to a server install.
	InstallSubdir string
}

// CacheDir is where the downloader leaves package id.
func (l Layout) CacheDir(id string) string {
	return filepath.Join(l.CacheRoot, "steamapps", "workshop", "content", l.AppID, id)
}

// CacheMarker records the remote last-modified epoch of the cached copy.
func (l Layout) CacheMarker(id string) string {
	return l.CacheDir(id) + markerSuffix
}

// InstallDir is the package directory inside a server install.
func (l Layout) InstallDir(installDir, id string) string {
	return filepath.Join(installDir, l.InstallSubdir, id)
}

// InstallMarker records the cache epoch that was last copied into the install.
func (l Layout) InstallMarker(installDir, id string) string {
	return l.InstallDir(installDir, id) + markerSuffix
}

// ReadMarker returns the epoch stored at path, or 0 when the file is
// missing or unreadable.
func ReadMarker(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// WriteMarker atomically stores epoch at path.
func WriteMarker(path string, epoch int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(errors.ErrCodeMarkerIO, "WriteMarker", "failed to create marker directory", err)
	}
	if err := renameio.WriteFile(path, []byte(strconv.FormatInt(epoch, 10)), 0o644); err != nil {
		return errors.New(errors.ErrCodeMarkerIO, "WriteMarker", "failed to write "+path, err)
	}
	return nil
}

// readVersion returns the trimmed first line of the version marker file.
func readVersion(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	v, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(v)
}

// Personal.AI order the ending
