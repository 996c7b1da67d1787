package commsutil

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"
)

const watchLogPrefix = "commsutil:watch"

// ClientHandler reacts to implant connect and disconnect signals.
type ClientHandler interface {
	OnConnect(ctx context.Context, id string)
	OnDisconnect(ctx context.Context, id string)
}

// WatchClients subscribes to client.connect and client.disconnect and hands
// each signal to h, one at a time and in arrival order. It blocks until ctx is
// cancelled.
func WatchClients(ctx context.Context, nc *comms.Conn, h ClientHandler) error {
	ch := make(chan *comms.Msg, 64)

	connectSub, err := nc.ChanSubscribe(SubjectConnect, ch)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", watchLogPrefix, SubjectConnect, err)
	}
	defer connectSub.Unsubscribe()

	disconnectSub, err := nc.ChanSubscribe(SubjectDisconnect, ch)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", watchLogPrefix, SubjectDisconnect, err)
	}
	defer disconnectSub.Unsubscribe()

	slog.Info(fmt.Sprintf("%s - Watching %s and %s", watchLogPrefix, SubjectConnect, SubjectDisconnect))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			id := string(msg.Data)
			if id == "" {
				slog.Warn(fmt.Sprintf("%s - Ignoring %s signal with empty id", watchLogPrefix, msg.Subject))
				continue
			}
			switch msg.Subject {
			case SubjectConnect:
				h.OnConnect(ctx, id)
			case SubjectDisconnect:
				h.OnDisconnect(ctx, id)
			}
		}
	}
}
