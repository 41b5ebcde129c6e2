package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jholhewres/wagate/pkg/wagate/store"
)

// CredentialStore mirrors session credentials between the local durable
// store (a per-agent SQLite database consumed by the protocol client) and
// the persisted session store. The local file is the source of truth while
// a session is live; the persisted blob exists for cold-start restore and
// is treated as opaque bytes end to end.
type CredentialStore struct {
	dataDir string
	remote  store.SessionStore
	logger  *slog.Logger
}

// NewCredentialStore creates a synchronizer rooted at dataDir.
func NewCredentialStore(dataDir string, remote store.SessionStore, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		dataDir: dataDir,
		remote:  remote,
		logger:  logger.With("component", "creds"),
	}
}

// LocalPath returns the per-agent credential database path.
func (c *CredentialStore) LocalPath(agentID string) string {
	return filepath.Join(c.dataDir, "creds", agentID+".db")
}

// HasLocal reports whether a local credential file exists for the agent.
func (c *CredentialStore) HasLocal(agentID string) bool {
	info, err := os.Stat(c.LocalPath(agentID))
	return err == nil && info.Size() > 0
}

// EnsureDir creates the credential directory.
func (c *CredentialStore) EnsureDir() error {
	if err := os.MkdirAll(filepath.Join(c.dataDir, "creds"), 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	return nil
}

// Mirror snapshots the local credential file into the persisted store.
// Callers run it asynchronously; a mirror failure is logged and never fails
// the local write path.
func (c *CredentialStore) Mirror(ctx context.Context, agentID string) {
	data, err := os.ReadFile(c.LocalPath(agentID))
	if err != nil {
		c.logger.Warn("credential mirror skipped, local read failed",
			"agent_id", agentID, "error", err)
		return
	}

	blob := base64.StdEncoding.EncodeToString(data)
	if err := c.remote.SaveCredentials(ctx, agentID, blob); err != nil {
		c.logger.Warn("credential mirror failed",
			"agent_id", agentID, "error", err)
		return
	}

	c.logger.Debug("credentials mirrored",
		"agent_id", agentID, "bytes", len(data))
}

// Restore materializes the persisted credential blob as the local file,
// invoked only when no local file exists. rec is the record as read before
// the attempt was marked on it; the caller passes it in so the refusal
// below sees the pre-attempt status, not the in-progress one. A record
// whose status is conflict or disconnected is never trusted: any remnants
// are cleared and the caller falls through to the fresh-pairing path.
// Returns true when credentials were written locally.
func (c *CredentialStore) Restore(ctx context.Context, agentID string, rec *store.SessionRecord) (bool, error) {
	if rec == nil || rec.Credentials == "" {
		return false, nil
	}

	if rec.Status == store.StatusConflict || rec.Status == store.StatusDisconnected {
		c.logger.Info("persisted credentials not restorable, forcing fresh pairing",
			"agent_id", agentID, "status", rec.Status)
		if err := c.remote.ClearCredentials(ctx, agentID, rec.Status); err != nil {
			c.logger.Warn("failed to clear stale credential remnants",
				"agent_id", agentID, "error", err)
		}
		return false, nil
	}

	data, err := base64.StdEncoding.DecodeString(rec.Credentials)
	if err != nil {
		// Corrupt blob: same treatment as an untrusted one.
		c.logger.Error("persisted credential blob is corrupt, forcing fresh pairing",
			"agent_id", agentID, "error", err)
		if clearErr := c.remote.ClearCredentials(ctx, agentID, store.StatusDisconnected); clearErr != nil {
			c.logger.Warn("failed to clear corrupt credentials",
				"agent_id", agentID, "error", clearErr)
		}
		return false, nil
	}

	if err := c.EnsureDir(); err != nil {
		return false, err
	}
	if err := os.WriteFile(c.LocalPath(agentID), data, 0600); err != nil {
		return false, fmt.Errorf("writing local credentials: %w", err)
	}

	c.logger.Info("credentials restored from persisted store",
		"agent_id", agentID, "bytes", len(data))
	return true, nil
}

// ClearLocal removes the local credential database, including SQLite
// sidecar files.
func (c *CredentialStore) ClearLocal(agentID string) {
	base := c.LocalPath(agentID)
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove local credential file",
				"agent_id", agentID, "path", path, "error", err)
		}
	}
}

// ClearAll wipes credentials locally and remotely, recording the terminal
// status on the persisted record.
func (c *CredentialStore) ClearAll(ctx context.Context, agentID string, status store.SessionStatus) {
	c.ClearLocal(agentID)
	if err := c.remote.ClearCredentials(ctx, agentID, status); err != nil {
		c.logger.Warn("failed to clear persisted credentials",
			"agent_id", agentID, "error", err)
	}
}
