// Package plugins lists the built-in plugins of the execution tier.
package plugins

import (
	"github.com/morezero/implant-relay/pkg/plugin"
	"github.com/morezero/implant-relay/pkg/plugins/jseval"
	"github.com/morezero/implant-relay/pkg/plugins/website"
)

// All returns the descriptors of every built-in plugin.
func All() []plugin.Descriptor {
	return []plugin.Descriptor{
		jseval.Descriptor(),
		website.Descriptor(),
	}
}

// RegisterAll registers every built-in plugin with reg.
func RegisterAll(reg *plugin.Registry) error {
	for _, d := range All() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
