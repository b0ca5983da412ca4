package wschan

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/danmuck/rmbridge/internal/auth"
	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server accepts one peer connection at a time and hands it out through
// Register. It emits PeerReady when a peer connects and PeerDown when its
// connection ends.
type Server struct {
	label    string
	max      int
	upgrader websocket.Upgrader
	onPeer   channel.PeerHandler
	auth     auth.Validator
	log      zerolog.Logger

	mu      sync.Mutex
	current *conn
}

var (
	_ channel.Registrar = (*Server)(nil)
	_ http.Handler      = (*Server)(nil)
)

func NewServer(label string, maxFrameSize int, onPeer channel.PeerHandler, log zerolog.Logger) *Server {
	return &Server{
		label: label,
		max:   maxFrameSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
		},
		onPeer: onPeer,
		log:    log,
	}
}

// RequireToken makes ServeHTTP reject peers that fail v. Call before serving.
func (s *Server) RequireToken(v auth.Validator) *Server {
	s.auth = v
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := strings.TrimSpace(r.Header.Get(HeaderIdentity))
	if peer == "" {
		http.Error(w, "missing "+HeaderIdentity, http.StatusBadRequest)
		return
	}
	if err := auth.Check(s.auth, r); err != nil {
		s.log.Warn().Str("peer", peer).Str("remote", r.RemoteAddr).Msg("peer rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if label := r.Header.Get(HeaderLabel); label != s.label {
		http.Error(w, "label mismatch", http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", peer).Msg("websocket upgrade failed")
		return
	}
	c := newConn(ws, peer, s.max, s.log.With().Str("peer", peer).Logger())

	s.mu.Lock()
	prev := s.current
	s.current = c
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	s.log.Info().Str("peer", peer).Str("remote", r.RemoteAddr).Msg("peer connected")
	s.emit(channel.PeerEvent{Peer: peer, Status: channel.PeerReady})

	select {
	case <-c.done:
	case <-c.closed:
	}

	s.mu.Lock()
	replaced := s.current != c
	if !replaced {
		s.current = nil
	}
	s.mu.Unlock()
	if !replaced {
		s.log.Info().Str("peer", peer).Msg("peer disconnected")
		s.emit(channel.PeerEvent{Peer: peer, Status: channel.PeerDown})
	}
}

func (s *Server) emit(ev channel.PeerEvent) {
	if s.onPeer != nil {
		s.onPeer(ev)
	}
}

// Register returns the endpoint for the currently connected peer.
func (s *Server) Register(_ context.Context, label string) (channel.Endpoint, error) {
	if label != s.label {
		return nil, channel.ErrNotRegistered
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, channel.ErrPeerUnknown
	}
	return s.current, nil
}

// Close drops the current peer connection.
func (s *Server) Close() error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
