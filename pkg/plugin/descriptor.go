// Package plugin holds the plugin registry of the execution tier and the
// per-implant dispatchers that run plugin methods.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// Commands are the primitives a plugin instance uses to drive its implant.
type Commands interface {
	ClientID() string
	EvalScript(ctx context.Context, code string) (json.RawMessage, error)
	LoadResource(ctx context.Context, url string) error
	BundlePage(ctx context.Context, url string) (string, error)
	CapturePreview(ctx context.Context, url string) ([]byte, error)
	Serve(content []byte, ext string) (string, error)
}

// Descriptor declares a plugin. It is immutable once registered.
type Descriptor struct {
	Name    string
	Version string
	Doc     string
	// New builds a fresh instance bound to one implant for one invocation.
	New     func(ctx context.Context, cmds Commands) (any, error)
	Methods []Method
}

// Method is one callable operation of a plugin.
type Method struct {
	Name   string
	Doc    string
	Params []Param
	Invoke func(ctx context.Context, instance any, args Args) (any, error)
}

// Handler adapts a method body written against a concrete instance type.
func Handler[T any](fn func(ctx context.Context, inst T, args Args) (any, error)) func(context.Context, any, Args) (any, error) {
	return func(ctx context.Context, instance any, args Args) (any, error) {
		inst, ok := instance.(T)
		if !ok {
			return nil, fmt.Errorf("plugin:descriptor - instance is %T, want %T", instance, *new(T))
		}
		return fn(ctx, inst, args)
	}
}
