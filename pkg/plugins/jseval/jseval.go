// Package jseval is a plugin that evaluates arbitrary expressions in the
// implant page.
package jseval

import (
	"context"
	"fmt"

	"github.com/morezero/implant-relay/pkg/plugin"
)

const (
	Name    = "jseval"
	Version = "1.0.0"
)

type instance struct {
	cmds plugin.Commands
}

// Descriptor returns the jseval plugin.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Doc:     "Evaluate JavaScript expressions in the implant page.",
		New: func(_ context.Context, cmds plugin.Commands) (any, error) {
			return &instance{cmds: cmds}, nil
		},
		Methods: []plugin.Method{
			{
				Name:   "run",
				Doc:    "Evaluate code and return its value.",
				Params: []plugin.Param{{Name: "code", Type: plugin.TypeString}},
				Invoke: plugin.Handler(func(ctx context.Context, inst *instance, args plugin.Args) (any, error) {
					code, err := args.String("code")
					if err != nil {
						return nil, err
					}
					return inst.cmds.EvalScript(ctx, Wrap(code))
				}),
			},
		},
	}
}

// Wrap turns an expression into the function body the implant evaluates.
func Wrap(code string) string {
	return fmt.Sprintf("var _result = %s; return _result;", code)
}
