package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrNoServeDir is returned by Serve when no staging directory is configured.
var ErrNoServeDir = errors.New("commands: no serve directory configured")

// Serve stages content for the implant to fetch and returns its URL path.
// Files are named by the BLAKE3 hash of their content, so staging the same
// bytes twice is a no-op.
func (c *Client) Serve(content []byte, ext string) (string, error) {
	return Stage(c.opts.ServeDir, c.opts.ServePrefix, content, ext)
}

// Stage writes content into dir under its content-addressed name and returns
// prefix joined with that name.
func Stage(dir, prefix string, content []byte, ext string) (string, error) {
	if dir == "" {
		return "", ErrNoServeDir
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if strings.ContainsAny(ext, `/\`) {
		return "", fmt.Errorf("%s - invalid extension %q", logPrefix, ext)
	}

	sum := blake3.Sum256(content)
	name := hex.EncodeToString(sum[:]) + ext
	target := filepath.Join(dir, name)

	if _, err := os.Stat(target); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s - failed to stat %s: %w", logPrefix, target, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("%s - failed to create %s: %w", logPrefix, dir, err)
		}
		tmp, err := os.CreateTemp(dir, ".stage-*")
		if err != nil {
			return "", fmt.Errorf("%s - failed to stage %s: %w", logPrefix, name, err)
		}
		if _, err := tmp.Write(content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("%s - failed to write %s: %w", logPrefix, name, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("%s - failed to write %s: %w", logPrefix, name, err)
		}
		if err := os.Chmod(tmp.Name(), 0o644); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("%s - failed to chmod %s: %w", logPrefix, name, err)
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("%s - failed to publish %s: %w", logPrefix, name, err)
		}
	}

	if prefix == "" {
		prefix = DefaultServePrefix
	}
	return path.Join(prefix, name), nil
}
