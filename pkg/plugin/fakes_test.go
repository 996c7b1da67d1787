package plugin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/morezero/implant-relay/pkg/message"
)

type fakeCommands struct {
	id string
}

func (f *fakeCommands) ClientID() string { return f.id }

func (f *fakeCommands) EvalScript(ctx context.Context, code string) (json.RawMessage, error) {
	return json.Marshal(code)
}

func (f *fakeCommands) LoadResource(context.Context, string) error { return nil }

func (f *fakeCommands) BundlePage(context.Context, string) (string, error) {
	return "<html></html>", nil
}

func (f *fakeCommands) CapturePreview(context.Context, string) ([]byte, error) {
	return []byte{1}, nil
}

func (f *fakeCommands) Serve([]byte, string) (string, error) { return "/plugins/x.js", nil }

type sent struct {
	subject string
	msg     message.PluginMessage
}

type chanPublisher struct {
	ch chan sent
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{ch: make(chan sent, 64)}
}

func (p *chanPublisher) Publish(subject string, data []byte) error {
	var m message.PluginMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.ch <- sent{subject: subject, msg: m}
	return nil
}

func (p *chanPublisher) next(timeout time.Duration) (sent, bool) {
	select {
	case s := <-p.ch:
		return s, true
	case <-time.After(timeout):
		return sent{}, false
	}
}

type testPlugin struct {
	cmds Commands
}

// blocker releases blocked invocations in tests.
type blocker struct {
	once    sync.Once
	started chan struct{}
}

func newBlocker() *blocker { return &blocker{started: make(chan struct{})} }

func testDescriptor(version string, b *blocker) Descriptor {
	return Descriptor{
		Name:    "test",
		Version: version,
		New: func(_ context.Context, cmds Commands) (any, error) {
			return &testPlugin{cmds: cmds}, nil
		},
		Methods: []Method{
			{
				Name:   "echo",
				Params: []Param{{Name: "text", Type: TypeString}},
				Invoke: Handler(func(ctx context.Context, p *testPlugin, args Args) (any, error) {
					text, err := args.String("text")
					if err != nil {
						return nil, err
					}
					return p.cmds.EvalScript(ctx, text)
				}),
			},
			{
				Name: "block",
				Invoke: Handler(func(ctx context.Context, _ *testPlugin, _ Args) (any, error) {
					if b != nil {
						b.once.Do(func() { close(b.started) })
					}
					<-ctx.Done()
					return nil, ctx.Err()
				}),
			},
			{
				Name: "explode",
				Invoke: Handler(func(context.Context, *testPlugin, Args) (any, error) {
					panic("boom")
				}),
			},
			{
				Name: "reset",
				Invoke: Handler(func(context.Context, *testPlugin, Args) (any, error) {
					return nil, message.NewReconnectionError("implant reloaded")
				}),
			},
			{
				Name:   "version",
				Params: []Param{{Name: "bad", Type: "bytes"}, {Name: "mode", Type: TypeLiteral, Choices: []any{"a", "b"}, Default: "a"}},
				Invoke: Handler(func(context.Context, *testPlugin, Args) (any, error) {
					return version, nil
				}),
			},
		},
	}
}
