package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/p-arndt/docbox/internal/policy"
	storemod "github.com/p-arndt/docbox/internal/store"
)

// UpdateFile overwrites an allow-listed source file inside the session's
// environment. A rejected path never reaches the driver.
func (m *Manager) UpdateFile(ctx context.Context, sessionID, path string, content []byte) error {
	sess, err := m.validateSession(sessionID)
	if err != nil {
		return err
	}
	if err := policy.ValidateWritePath(path); err != nil {
		return err
	}

	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.writeFile(ctx, sessionID, handleOf(sess), path, content); err != nil {
		m.logger.Error("update file failed", "session_id", sessionID, "path", path, "error", err)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile returns an allow-listed source file or a generated artifact.
func (m *Manager) ReadFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	sess, err := m.validateSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := policy.ValidateReadPath(path); err != nil {
		return nil, err
	}

	data, err := m.driver.ReadFile(ctx, handleOf(sess), policy.AbsPath(path), maxReadBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ListFiles returns the manifest of files written in this session.
func (m *Manager) ListFiles(ctx context.Context, sessionID string) ([]*storemod.FileEntry, error) {
	if _, err := m.validateSession(sessionID); err != nil {
		return nil, err
	}
	files, err := m.store.ListFiles(sessionID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []*storemod.FileEntry{}
	}
	return files, nil
}

func fileEntry(path string, content []byte, now time.Time) storemod.FileEntry {
	sum := blake3.Sum256(content)
	return storemod.FileEntry{
		Path:      path,
		Digest:    hex.EncodeToString(sum[:]),
		Size:      int64(len(content)),
		UpdatedAt: now.UTC(),
	}
}
