// Package commands implements the primitives plugins use to drive one
// implant: script evaluation, resource loading, page fetching and artifact
// staging.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/message"
)

const logPrefix = "commands:client"

const (
	DefaultTimeout      = 10 * time.Second
	DefaultFetchTimeout = 60 * time.Second
	DefaultServePrefix  = "/plugins/"

	// responseGrace leaves room for the bridge's own timeout response to
	// arrive before the local deadline fires.
	responseGrace = time.Second
)

// Options configures a Client.
type Options struct {
	// Timeout is how long the manager tier waits for the implant.
	Timeout time.Duration
	// FetchTimeout bounds bundler.fetch requests.
	FetchTimeout time.Duration
	// BundlerBucket is the object store holding fetched artifacts.
	BundlerBucket string
	// ServeDir and ServePrefix locate staged artifacts on disk and on the edge.
	ServeDir    string
	ServePrefix string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.BundlerBucket == "" {
		o.BundlerBucket = commsutil.BucketBundler
	}
	if o.ServePrefix == "" {
		o.ServePrefix = DefaultServePrefix
	}
	return o
}

// Client issues operations to one implant through the manager tier.
type Client struct {
	id   string
	nc   *comms.Conn
	js   comms.JetStreamContext
	opts Options
}

// New creates a Client bound to implant id.
func New(id string, nc *comms.Conn, js comms.JetStreamContext, opts Options) *Client {
	return &Client{id: id, nc: nc, js: js, opts: opts.withDefaults()}
}

// ClientID returns the implant id.
func (c *Client) ClientID() string { return c.id }

// EvalScript evaluates code as a function body in the implant and returns
// its result. Script failures are reported as JS_EXECUTION errors.
func (c *Client) EvalScript(ctx context.Context, code string) (json.RawMessage, error) {
	resp, err := c.exchange(ctx, message.OpEvalScript, message.EvalScript{Code: code})
	if err != nil {
		return nil, err
	}

	result, err := message.DecodeEvalResult(resp.Data)
	if err != nil {
		return nil, err
	}
	if failure := result.Failure(); failure != "" {
		return nil, message.NewJSExecutionError(failure)
	}
	if len(result.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return result.Result, nil
}

// LoadResource makes the implant load the script at url.
func (c *Client) LoadResource(ctx context.Context, url string) error {
	_, err := c.exchange(ctx, message.OpLoadResource, message.LoadResource{URL: url})
	return err
}

// exchange publishes one operation to manager.operations.<id> and waits for
// its terminal response. The response subscription is made before the
// publish so a fast answer cannot be missed.
func (c *Client) exchange(ctx context.Context, operation string, data any) (message.Message, error) {
	op, err := message.New(operation, data)
	if err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to build %s: %w", logPrefix, operation, err)
	}
	payload, err := op.Encode()
	if err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to encode %s: %w", logPrefix, operation, err)
	}

	sub, err := c.nc.SubscribeSync(commsutil.ManagerResponse(c.id, op.ID))
	if err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to subscribe for %s: %w", logPrefix, op.ID, err)
	}
	defer sub.Unsubscribe()

	if _, err := c.js.Publish(commsutil.ManagerOperations(c.id), payload); err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to publish %s: %w", logPrefix, operation, err)
	}
	slog.Debug(fmt.Sprintf("%s - Sent %s (%s) to %s", logPrefix, operation, op.ID, c.id))

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout+responseGrace)
	defer cancel()

	msg, err := sub.NextMsgWithContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return message.Message{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return message.Message{}, message.NewTimeoutError(fmt.Sprintf("no response to %s within %s", operation, c.opts.Timeout))
		}
		return message.Message{}, fmt.Errorf("%s - failed waiting for %s: %w", logPrefix, op.ID, err)
	}

	resp, err := message.Parse(msg.Data)
	if err != nil {
		return message.Message{}, err
	}

	switch resp.Operation {
	case message.KindReconnection, message.KindTimeout:
		p, err := message.DecodePayload(resp)
		if err != nil {
			return message.Message{}, err
		}
		text := p.(message.Failure).Error
		if resp.Operation == message.KindReconnection {
			return message.Message{}, message.NewReconnectionError(text)
		}
		return message.Message{}, message.NewTimeoutError(text)
	}
	return resp, nil
}
