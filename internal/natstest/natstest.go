// Package natstest runs an in-process JetStream-enabled COMMS server for tests.
package natstest

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

const logPrefix = "natstest:natstest"

// Start launches a server on a random local port with JetStream storage in a
// per-test temp dir. It is shut down when the test ends.
func Start(t testing.TB) *commsserver.Server {
	t.Helper()

	opts := &commsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create COMMS server: %v", logPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - COMMS server failed to start", logPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// Connect opens a client connection and JetStream context against ns.
func Connect(t testing.TB, ns *commsserver.Server) (*comms.Conn, comms.JetStreamContext) {
	t.Helper()

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - failed to connect to COMMS: %v", logPrefix, err)
	}
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("%s - failed to open JetStream context: %v", logPrefix, err)
	}
	return nc, js
}

// Next waits for the next message on sub, failing the test after timeout.
func Next(t testing.TB, sub *comms.Subscription, timeout time.Duration) *comms.Msg {
	t.Helper()

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		t.Fatalf("%s - no message on %s within %s: %v", logPrefix, sub.Subject, timeout, err)
	}
	return msg
}

// Quiet asserts that sub receives nothing within d.
func Quiet(t testing.TB, sub *comms.Subscription, d time.Duration) {
	t.Helper()

	if msg, err := sub.NextMsg(d); err == nil {
		t.Fatalf("%s - unexpected message on %s: %s", logPrefix, msg.Subject, msg.Data)
	}
}
