// Package admin serves health, session status and metrics over HTTP.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/rmbridge/internal/clients"
	"github.com/danmuck/rmbridge/internal/observability"
	"github.com/danmuck/rmbridge/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const shutdownTimeout = 3 * time.Second

// Session is the view of a session the admin surface reports on.
type Session interface {
	Config() session.Config
	State() session.State
	Pending() int
	Err() error
}

// Status is the /status body.
type Status struct {
	Label    string         `json:"label"`
	Identity string         `json:"identity"`
	Peer     string         `json:"peer"`
	State    string         `json:"state"`
	Pending  int            `json:"pending"`
	Error    string         `json:"error,omitempty"`
	Clients  []ClientStatus `json:"clients"`
}

type ClientStatus struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Type     uint32 `json:"type"`
	Priority uint32 `json:"priority"`
	Current  uint64 `json:"current"`
}

type Server struct {
	node    string
	sess    Session
	clients func() []clients.Slot
	log     zerolog.Logger
	router  *gin.Engine
}

// New builds the admin router. listClients may be nil.
func New(node string, sess Session, listClients func() []clients.Slot, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{node: node, sess: sess, clients: listClients, log: log, router: gin.New()}
	s.router.Use(gin.Recovery(), observability.RequestLogger(log), observability.RequestMetricsMiddleware(node))
	s.router.GET("/healthz", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	observability.RegisterMetrics()
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("admin listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	st := s.sess.State()
	code := http.StatusOK
	if st != session.StateRegistered {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": st.String(), "node": s.node})
}

func (s *Server) status(c *gin.Context) {
	cfg := s.sess.Config()
	out := Status{
		Label:    cfg.Label,
		Identity: cfg.Identity,
		Peer:     cfg.ExpectedPeer,
		State:    s.sess.State().String(),
		Pending:  s.sess.Pending(),
		Clients:  []ClientStatus{},
	}
	if err := s.sess.Err(); err != nil {
		out.Error = err.Error()
	}
	if s.clients != nil {
		out.Clients = lo.Map(s.clients(), func(slot clients.Slot, _ int) ClientStatus {
			return ClientStatus{
				ID:       slot.ID,
				Name:     slot.Info.Desc.Name,
				Type:     slot.Info.Type,
				Priority: slot.Info.Priority,
				Current:  slot.Value.Cur,
			}
		})
	}
	c.JSON(http.StatusOK, out)
}
