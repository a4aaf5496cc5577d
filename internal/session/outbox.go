// ABOUTME: Outbox detection for engine-produced files.
// ABOUTME: Snapshots the engine work directory before a turn and diffs it on completion.

package session

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// fileRef describes one delivered output file. The URL is the stable
// dedup key; a file delivered twice attaches to message metadata once.
type fileRef struct {
	Path     string
	Filename string
	URL      string
	Type     string
}

// snapshotDir records the relative paths of all regular files under dir.
// A missing or unreadable directory yields an empty snapshot so the
// post-turn diff treats everything present as new.
func snapshotDir(dir string) map[string]struct{} {
	snap := make(map[string]struct{})
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return nil
		}
		snap[rel] = struct{}{}
		return nil
	})
	return snap
}

// diffDir returns the relative paths of regular files under dir that are
// absent from the before snapshot, sorted for deterministic delivery order.
func diffDir(dir string, before map[string]struct{}) []string {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	var added []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return nil
		}
		if _, seen := before[rel]; !seen {
			added = append(added, rel)
		}
		return nil
	})
	sort.Strings(added)
	return added
}

// classifyFile buckets an output file by extension for transport display.
func classifyFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg":
		return "image"
	case ".mp3", ".ogg", ".wav", ".flac", ".m4a":
		return "audio"
	case ".mp4", ".webm", ".mov", ".mkv":
		return "video"
	default:
		return "document"
	}
}

// fileURL computes the relative URL a transport serves the file under.
// Relative output paths keep their subdirectories in the URL.
func fileURL(base, sessionName, rel string) string {
	return path.Join(base, sessionName, filepath.ToSlash(rel))
}
