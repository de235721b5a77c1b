// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package ota stages firmware images for the agent.  An image is streamed
// into the staging directory, its sha256 checked against the manifest, and
// only then promoted to the pending slot.  The supervisor applies pending
// images on restart; the first clean run afterwards marks the boot as
// successful so the previous image can be discarded.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"
	"go.uber.org/zap"
)

var (
	ErrSizeMismatch = errors.New("image size does not match manifest")
	ErrHashMismatch = errors.New("image hash does not match manifest")
)

// Update is one firmware image offered to the device.
type Update struct {
	// Reader streams the raw image.
	Reader io.Reader

	// SHA256 is the expected hex digest of the full image.
	SHA256 string

	// Size is the expected image size in bytes.
	Size int64

	// Version the image claims to be.
	Version string
}

// pending describes the staged image awaiting a restart.
type pending struct {
	Version string    `json:"version"`
	Path    string    `json:"path"`
	SHA256  string    `json:"sha256"`
	Staged  time.Time `json:"staged"`
}

// Opts configures a Manager.
type Opts struct {
	// Dir is the staging directory.
	Dir string

	Logger *zap.Logger
}

// Manager stages and verifies firmware updates.
type Manager struct {
	dir string
	log *zap.Logger
}

func New(opts Opts) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("staging directory is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	return &Manager{
		dir: opts.Dir,
		log: log.Named("ota"),
	}, nil
}

func (m *Manager) pendingFile() string {
	return filepath.Join(m.dir, "pending.json")
}

// Apply streams, verifies and stages an update.  The image only becomes
// pending once the full stream matched the manifest hash and size.
func (m *Manager) Apply(ctx context.Context, u Update) error {
	m.log.Info("staging firmware update",
		zap.String("version", u.Version),
		zap.Int64("size", u.Size))

	partial := filepath.Join(m.dir, "image.partial")
	f, err := os.Create(partial)
	if err != nil {
		return err
	}
	defer os.Remove(partial)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), contextReader{ctx, u.Reader})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if u.Size > 0 && n != u.Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, u.Size)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if digest != u.SHA256 {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, digest, u.SHA256)
	}

	final := filepath.Join(m.dir, "image-"+u.Version+".bin")
	if err := os.Rename(partial, final); err != nil {
		return err
	}

	p := pending{
		Version: u.Version,
		Path:    final,
		SHA256:  digest,
		Staged:  time.Now().UTC(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.pendingFile(), data, 0o644); err != nil {
		return err
	}

	m.log.Info("firmware update staged", zap.String("path", final))
	return nil
}

// Download fetches an image over HTTP and stages it.  Used for updates
// offered by URL rather than streamed over the cloud session.
func (m *Manager) Download(ctx context.Context, url, sha256Hex string, size int64, version string) error {
	req, err := grab.NewRequest(filepath.Join(m.dir, "download.partial"), url)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	m.log.Info("downloading firmware update", zap.String("url", url))
	resp := grab.NewClient().Do(req)

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
progress:
	for {
		select {
		case <-t.C:
			m.log.Info("download progress",
				zap.Float64("percent", resp.Progress()*100),
				zap.Float64("bytes_per_second", resp.BytesPerSecond()))
		case <-resp.Done:
			break progress
		}
	}
	if err := resp.Err(); err != nil {
		return err
	}
	defer os.Remove(resp.Filename)

	f, err := os.Open(resp.Filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.Apply(ctx, Update{
		Reader:  f,
		SHA256:  sha256Hex,
		Size:    size,
		Version: version,
	})
}

// Pending returns the staged image awaiting a restart, if any.
func (m *Manager) Pending() (version string, ok bool) {
	data, err := os.ReadFile(m.pendingFile())
	if err != nil {
		return "", false
	}
	var p pending
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	return p.Version, true
}

// MarkBootSuccessful clears the pending marker after a clean start,
// committing to the running image.  Clearing an already clear marker is
// not an error.
func (m *Manager) MarkBootSuccessful() error {
	err := os.Remove(m.pendingFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	m.log.Info("boot confirmed, previous image can be discarded")
	return nil
}

// contextReader aborts a long copy when ctx is canceled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
