package commsutil

import (
	"errors"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"
)

const jsLogPrefix = "commsutil:jetstream"

// EnsureStream creates the named stream over subjects, or updates its
// subject list when it already exists.
func EnsureStream(js comms.JetStreamContext, name string, subjects ...string) error {
	cfg := &comms.StreamConfig{
		Name:     name,
		Subjects: subjects,
	}

	_, err := js.StreamInfo(name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("%s - failed to update stream %s: %w", jsLogPrefix, name, err)
		}
		return nil
	case errors.Is(err, comms.ErrStreamNotFound):
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("%s - failed to create stream %s: %w", jsLogPrefix, name, err)
		}
		slog.Info(fmt.Sprintf("%s - Created stream %s over %v", jsLogPrefix, name, subjects))
		return nil
	default:
		return fmt.Errorf("%s - failed to look up stream %s: %w", jsLogPrefix, name, err)
	}
}

// GetOrCreateKV binds to a key-value bucket, creating it with the given
// history depth when missing.
func GetOrCreateKV(js comms.JetStreamContext, bucket string, history uint8) (comms.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, comms.ErrBucketNotFound) {
		return nil, fmt.Errorf("%s - failed to bind KV bucket %s: %w", jsLogPrefix, bucket, err)
	}

	kv, err = js.CreateKeyValue(&comms.KeyValueConfig{
		Bucket:  bucket,
		History: history,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create KV bucket %s: %w", jsLogPrefix, bucket, err)
	}
	slog.Info(fmt.Sprintf("%s - Created KV bucket %s (history=%d)", jsLogPrefix, bucket, history))
	return kv, nil
}

// GetOrCreateObjectStore binds to an object store bucket, creating it when missing.
func GetOrCreateObjectStore(js comms.JetStreamContext, bucket string) (comms.ObjectStore, error) {
	obs, err := js.ObjectStore(bucket)
	if err == nil {
		return obs, nil
	}
	if !errors.Is(err, comms.ErrBucketNotFound) && !errors.Is(err, comms.ErrStreamNotFound) {
		return nil, fmt.Errorf("%s - failed to bind object store %s: %w", jsLogPrefix, bucket, err)
	}

	obs, err = js.CreateObjectStore(&comms.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create object store %s: %w", jsLogPrefix, bucket, err)
	}
	slog.Info(fmt.Sprintf("%s - Created object store %s", jsLogPrefix, bucket))
	return obs, nil
}

// EnsureRelayStreams declares the streams every tier relies on. Declaring
// them from each tier makes startup order irrelevant.
func EnsureRelayStreams(js comms.JetStreamContext) error {
	if err := EnsureStream(js, StreamManager, "manager.operations.*"); err != nil {
		return err
	}
	return EnsureStream(js, StreamPlugins, "plugin.run.*", "plugin.response.>")
}
