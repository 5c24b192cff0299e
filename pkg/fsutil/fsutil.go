package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", uidStr, err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", gidStr, err)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// EnsureParentDir creates the parent directory of path if it is missing.
// Paths without a directory component and in-memory SQLite names are a
// no-op.
func EnsureParentDir(path string, owner *OwnerConfig) error {
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}

	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	Chown(dir, owner)

	return nil
}

// WriteExecutable streams r into path through a temporary file in the same
// directory and renames it into place with mode 0755. At most limit bytes
// are accepted; a larger body is an error and leaves path untouched.
func WriteExecutable(path string, r io.Reader, limit int64, owner *OwnerConfig) (int64, error) {
	if err := EnsureParentDir(path, owner); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return n, fmt.Errorf("writing %s: %w", tmpName, err)
	}

	if n > limit {
		return n, fmt.Errorf("download exceeds limit of %d bytes", limit)
	}

	if err := os.Chmod(tmpName, 0o755); err != nil {
		return n, fmt.Errorf("making executable: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return n, fmt.Errorf("moving into place: %w", err)
	}

	Chown(path, owner)

	return n, nil
}
