package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/message"
	"github.com/morezero/implant-relay/pkg/semver"
)

const logPrefix = "plugin:registry"

const internalNamespace = "internal"

// ErrInvalidDescriptor is returned by Register for descriptors that cannot be
// served.
var ErrInvalidDescriptor = errors.New("plugin: invalid descriptor")

type entry struct {
	desc   *Descriptor
	method *Method
	schema []schemaParam
}

// Registry maps "<plugin>.<method>" to the registered implementations, one
// per plugin version. It is read-only once the tier starts serving.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]map[string]*entry // key -> version -> entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]map[string]*entry)}
}

// Register adds every method of d. Parameters that fail validation are
// logged and left out of the published schema; the method stays callable.
func (r *Registry) Register(d Descriptor) error {
	if !semver.ValidateName(d.Name) {
		return fmt.Errorf("%s - %w: bad plugin name %q", logPrefix, ErrInvalidDescriptor, d.Name)
	}
	if d.Name == internalNamespace || strings.HasPrefix(d.Name, internalNamespace+"_") {
		return fmt.Errorf("%s - %w: %q is reserved", logPrefix, ErrInvalidDescriptor, d.Name)
	}
	if err := semver.ValidateVersion(d.Version); err != nil {
		return fmt.Errorf("%s - %w: %v", logPrefix, ErrInvalidDescriptor, err)
	}
	if d.New == nil {
		return fmt.Errorf("%s - %w: %s has no factory", logPrefix, ErrInvalidDescriptor, d.Name)
	}

	desc := d
	desc.Methods = append([]Method(nil), d.Methods...)
	entries := make(map[string]*entry, len(desc.Methods))
	for i := range desc.Methods {
		m := &desc.Methods[i]
		if !semver.ValidateName(m.Name) || strings.HasPrefix(m.Name, "_") || m.Invoke == nil {
			slog.Warn(fmt.Sprintf("%s - Skipping method %q of plugin %s", logPrefix, m.Name, desc.Name))
			continue
		}
		key := desc.Name + "." + m.Name
		entries[key] = &entry{desc: &desc, method: m, schema: buildSchema(key, m.Params)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range entries {
		if _, dup := r.methods[key][desc.Version]; dup {
			return fmt.Errorf("%s - %w: %s@%s already registered", logPrefix, ErrInvalidDescriptor, key, desc.Version)
		}
	}
	for key, e := range entries {
		if r.methods[key] == nil {
			r.methods[key] = make(map[string]*entry)
		}
		r.methods[key][desc.Version] = e
	}

	slog.Info(fmt.Sprintf("%s - Registered plugin %s@%s with %d methods", logPrefix, desc.Name, desc.Version, len(entries)))
	return nil
}

func buildSchema(key string, params []Param) []schemaParam {
	schema := make([]schemaParam, 0, len(params))
	for _, p := range params {
		if err := p.Validate(); err != nil {
			slog.Warn(fmt.Sprintf("%s - Excluding parameter %q of %s from schema: %v", logPrefix, p.Name, key, err))
			continue
		}
		schema = append(schema, p.schema())
	}
	return schema
}

// Lookup resolves an operation name, optionally suffixed with "@<range>", to
// the highest matching plugin version.
func (r *Registry) Lookup(operation string) (*Descriptor, *Method, error) {
	e, err := r.lookup(operation)
	if err != nil {
		return nil, nil, err
	}
	return e.desc, e.method, nil
}

func (r *Registry) lookup(operation string) (*entry, error) {
	ref, err := semver.ParseMethodRef(operation)
	if err != nil {
		return nil, message.NewUnknownOperation(operation)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion := r.methods[ref.Key()]
	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	version, ok := semver.Resolve(versions, ref.Range)
	if !ok {
		return nil, message.NewUnknownOperation(operation)
	}
	return byVersion[version], nil
}

// Methods returns every registered method key, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.methods))
	for k := range r.methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schema returns the published parameter schema of the latest version of key.
func (r *Registry) Schema(key string) ([]byte, error) {
	e, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e.schema)
}

// Publish writes one entry per method into kv, keyed "<plugin>.<method>",
// holding the parameter schema of its latest version.
func (r *Registry) Publish(_ context.Context, kv comms.KeyValue) error {
	keys := r.Methods()
	for _, key := range keys {
		data, err := r.Schema(key)
		if err != nil {
			return fmt.Errorf("%s - failed to encode schema of %s: %w", logPrefix, key, err)
		}
		if _, err := kv.Put(key, data); err != nil {
			return fmt.Errorf("%s - failed to publish %s: %w", logPrefix, key, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Published %d methods", logPrefix, len(keys)))
	return nil
}
