// Package fs provides a filesystem-backed avatar cache.
package fs

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/quietwire/groupd/internal/avatars"
	"github.com/quietwire/groupd/internal/storage"
	"github.com/quietwire/groupd/pkg/group"
)

const (
	KeyPath            = "path"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
)

func init() {
	avatars.Register("fs", NewFactory, Defaults)
}

// Defaults returns the default configuration for the filesystem cache.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:            "~/.groupd/avatars",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
	}
}

// NewFactory creates a new filesystem cache from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (avatars.Cache, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("fs", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	dirPerms, err := parseFileMode(config[KeyDirPermissions], 0o700)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("fs", KeyDirPermissions, config[KeyDirPermissions], "must be an octal permission string (e.g. 0700)")
	}

	filePerms, err := parseFileMode(config[KeyFilePermissions], 0o600)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("fs", KeyFilePermissions, config[KeyFilePermissions], "must be an octal permission string (e.g. 0600)")
	}

	if err := os.MkdirAll(path, dirPerms); err != nil {
		return nil, storage.NewConfigErrorWithCause("fs", KeyPath, "failed to create directory", err)
	}

	return &Cache{
		rootPath:  path,
		dirPerms:  dirPerms,
		filePerms: filePerms,
	}, nil
}

func parseFileMode(s string, defaultMode os.FileMode) (os.FileMode, error) {
	if s == "" {
		return defaultMode, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

// Cache is a filesystem implementation of avatars.Cache.
type Cache struct {
	rootPath  string
	dirPerms  os.FileMode
	filePerms os.FileMode
	closed    atomic.Bool
}

// avatarPath maps a group and reference to a file path. References come
// from the server and may contain path separators, so they are encoded
// before touching the filesystem.
func (c *Cache) avatarPath(id group.ID, ref string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(ref))
	return filepath.Join(c.rootPath, hex.EncodeToString(id[:]), name)
}

// Put stores avatar bytes using atomic rename.
func (c *Cache) Put(_ context.Context, id group.ID, ref string, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("fs put: cache closed")
	}

	path := c.avatarPath(id, ref)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, c.dirPerms); err != nil {
		return fmt.Errorf("fs put: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fs put: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", closeErr)
	}

	if err := os.Chmod(tmpName, c.filePerms); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}

	return nil
}

// Get retrieves cached avatar bytes.
func (c *Cache) Get(_ context.Context, id group.ID, ref string) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("fs get: cache closed")
	}

	data, err := os.ReadFile(c.avatarPath(id, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, avatars.ErrNotFound
		}
		return nil, fmt.Errorf("fs get: %w", err)
	}
	return data, nil
}

// Close marks the cache as closed.
func (c *Cache) Close() error {
	c.closed.Store(true)
	return nil
}
