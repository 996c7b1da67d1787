package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/message"
)

// BundlePage asks the bundling service for a self-contained copy of the page
// at url and returns its HTML.
func (c *Client) BundlePage(ctx context.Context, url string) (string, error) {
	data, err := c.fetch(ctx, message.OpBundle, url)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CapturePreview asks the bundling service for a screenshot of url.
func (c *Client) CapturePreview(ctx context.Context, url string) ([]byte, error) {
	return c.fetch(ctx, message.OpPreview, url)
}

// fetch sends a bundler.fetch request; the reply names the artifact in the
// bundler object store.
func (c *Client) fetch(ctx context.Context, operation, url string) ([]byte, error) {
	req, err := message.New(operation, message.FetchRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build %s request: %w", logPrefix, operation, err)
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s request: %w", logPrefix, operation, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	reply, err := c.nc.RequestWithContext(reqCtx, commsutil.SubjectBundler, payload)
	if err != nil {
		return nil, fmt.Errorf("%s - %s of %s failed: %w", logPrefix, operation, url, err)
	}
	name := string(reply.Data)
	if name == "" {
		return nil, fmt.Errorf("%s - %s of %s returned no artifact", logPrefix, operation, url)
	}

	obs, err := c.js.ObjectStore(c.opts.BundlerBucket)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to bind object store %s: %w", logPrefix, c.opts.BundlerBucket, err)
	}
	data, err := obs.GetBytes(name)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read artifact %s: %w", logPrefix, name, err)
	}

	slog.Debug(fmt.Sprintf("%s - %s of %s -> %s (%d bytes)", logPrefix, operation, url, name, len(data)))
	return data, nil
}
