package commsutil

import (
	"testing"

	"github.com/morezero/implant-relay/internal/natstest"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnectJetStream(t *testing.T) {
	ns := natstest.Start(t)

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"bad scheme", "invalid://not-a-comms-server", true},
		{"nothing listening", "nats://127.0.0.1:1", true},
		{"in-process server", ns.ClientURL(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc, js, err := ConnectJetStream(tt.url, "relay-test")
			if tt.wantErr {
				if err == nil {
					nc.Close()
					t.Fatalf("%s - expected error for %s", connectTestPrefix, tt.url)
				}
				if nc != nil || js != nil {
					t.Errorf("%s - expected nil connection and context on error", connectTestPrefix)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", connectTestPrefix, err)
			}
			defer nc.Close()
			if _, err := js.AccountInfo(); err != nil {
				t.Errorf("%s - JetStream not usable: %v", connectTestPrefix, err)
			}
		})
	}
}
