package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
)

// ResolveInbox expands a leading ~/ and makes raw absolute.
func ResolveInbox(raw string) (string, error) {
	p := config.ExpandHome(strings.TrimSpace(raw))
	if p == "" {
		return "", fmt.Errorf("inbox path is empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve inbox %q: %w", raw, err)
	}
	return abs, nil
}

// within reports whether child equals root or lies beneath it. Both must be
// clean absolute paths.
func within(root, child string) bool {
	if child == root {
		return true
	}
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return strings.HasPrefix(child, root)
	}
	return strings.HasPrefix(child, root+string(filepath.Separator))
}

// resolveArtifact joins filename onto root. Absolute filenames are kept as
// given and still subject to containment.
func resolveArtifact(root, filename string) string {
	if filepath.IsAbs(filename) {
		return filepath.Clean(filename)
	}
	return filepath.Join(root, filename)
}

// escapesViaSymlink reports whether an existing path resolves outside the
// symlink-resolved root.
func escapesViaSymlink(root, path string) (bool, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, err
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false, err
	}
	return !within(realRoot, realPath), nil
}

func readable(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	f, err := os.Open(path) //nolint:gosec // contained in inbox
	if err != nil {
		return nil, false
	}
	_ = f.Close()
	return info, true
}
