package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/morezero/implant-relay/internal/natstest"
	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/message"
)

const registryTestPrefix = "plugin:registry_test"

func TestRegistry_RegisterRejects(t *testing.T) {
	valid := testDescriptor("1.0.0", nil)

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{"internal namespace", func(d *Descriptor) { d.Name = "internal" }},
		{"internal prefix", func(d *Descriptor) { d.Name = "internal_loader" }},
		{"bad name", func(d *Descriptor) { d.Name = "has-dash" }},
		{"bad version", func(d *Descriptor) { d.Version = "one" }},
		{"no factory", func(d *Descriptor) { d.New = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if err := NewRegistry().Register(d); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("%s - err = %v, want ErrInvalidDescriptor", registryTestPrefix, err)
			}
		})
	}
}

func TestRegistry_DuplicateVersion(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDescriptor("1.0.0", nil)); err != nil {
		t.Fatalf("%s - Register failed: %v", registryTestPrefix, err)
	}
	if err := r.Register(testDescriptor("1.0.0", nil)); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("%s - duplicate err = %v", registryTestPrefix, err)
	}
}

func TestRegistry_LookupResolvesVersions(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"1.0.0", "1.4.0", "2.0.0"} {
		if err := r.Register(testDescriptor(v, nil)); err != nil {
			t.Fatalf("%s - Register(%s) failed: %v", registryTestPrefix, v, err)
		}
	}

	tests := []struct {
		op      string
		want    string
		unknown bool
	}{
		{"test.version", "2.0.0", false},
		{"test.version@1", "1.4.0", false},
		{"test.version@~1.0.0", "1.0.0", false},
		{"test.version@3", "", true},
		{"test.missing", "", true},
		{"nodot", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			desc, method, err := r.Lookup(tt.op)
			if tt.unknown {
				if !errors.Is(err, message.ErrUnknownOperation) {
					t.Errorf("%s - err = %v, want UNKNOWN_OPERATION", registryTestPrefix, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - Lookup failed: %v", registryTestPrefix, err)
			}
			if desc.Version != tt.want || method.Name != "version" {
				t.Errorf("%s - resolved %s@%s", registryTestPrefix, method.Name, desc.Version)
			}
		})
	}
}

func TestRegistry_SchemaExcludesInvalidParams(t *testing.T) {
	r := NewRegistry()
	r.Register(testDescriptor("1.0.0", nil))

	data, err := r.Schema("test.version")
	if err != nil {
		t.Fatalf("%s - Schema failed: %v", registryTestPrefix, err)
	}
	var schema []map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("%s - schema is not JSON: %v", registryTestPrefix, err)
	}
	if len(schema) != 1 || schema[0]["name"] != "mode" || schema[0]["default"] != "a" {
		t.Errorf("%s - schema = %s", registryTestPrefix, data)
	}

	// The method stays callable despite the excluded parameter.
	if _, _, err := r.Lookup("test.version"); err != nil {
		t.Errorf("%s - method not callable: %v", registryTestPrefix, err)
	}
}

func TestRegistry_Publish(t *testing.T) {
	ns := natstest.Start(t)
	_, js := natstest.Connect(t, ns)
	kv, err := commsutil.GetOrCreateKV(js, commsutil.BucketMethods, 5)
	if err != nil {
		t.Fatalf("%s - GetOrCreateKV failed: %v", registryTestPrefix, err)
	}

	r := NewRegistry()
	r.Register(testDescriptor("1.0.0", nil))
	if err := r.Publish(context.Background(), kv); err != nil {
		t.Fatalf("%s - Publish failed: %v", registryTestPrefix, err)
	}

	keys, err := kv.Keys()
	if err != nil {
		t.Fatalf("%s - Keys failed: %v", registryTestPrefix, err)
	}
	if len(keys) != len(r.Methods()) {
		t.Errorf("%s - published %v, want %v", registryTestPrefix, keys, r.Methods())
	}

	entry, err := kv.Get("test.echo")
	if err != nil {
		t.Fatalf("%s - Get failed: %v", registryTestPrefix, err)
	}
	want := `[{"name":"text","type":"string","default":null}]`
	if string(entry.Value()) != want {
		t.Errorf("%s - test.echo = %s, want %s", registryTestPrefix, entry.Value(), want)
	}
}
