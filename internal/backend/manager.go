// Package backend is the executing side: it owns the client table and answers
// resource requests arriving over the session.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/rmbridge/internal/clients"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const DefaultMaxClients = 64

type Config struct {
	MaxClients int
	// ValueCeiling caps set-value requests when non-zero.
	ValueCeiling uint64
	// Owner tags allocated slots, usually the peer identity.
	Owner string
}

var _ session.Handler = (*Manager)(nil)

type Manager struct {
	cfg   Config
	table *clients.Table
	log   zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Manager, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	tbl, err := clients.NewTable(cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, table: tbl, log: log}, nil
}

// Clients returns the registered clients ordered by id.
func (m *Manager) Clients() []clients.Slot { return m.table.Snapshot() }

// Reset drops every registration, e.g. after the peer restarts.
func (m *Manager) Reset() {
	n := m.table.Len()
	m.table.Reset()
	m.log.Info().Int("dropped", n).Msg("client table reset")
}

func (m *Manager) Execute(_ context.Context, req protocol.Payload) (protocol.Payload, error) {
	switch r := req.(type) {
	case protocol.RegisterRequest:
		return m.register(r), nil
	case protocol.DeregisterRequest:
		return protocol.DeregisterResponse{Status: m.deregister(r)}, nil
	case protocol.SetValueRequest:
		return m.setValue(r), nil
	case protocol.SetValueInRangeRequest:
		return protocol.SetValueInRangeResponse{Status: m.setValueInRange(r)}, nil
	case protocol.GetValueRequest:
		return m.getValue(r), nil
	default:
		return nil, &StatusError{Code: protocol.StatusInvalid, Err: fmt.Errorf("backend: unsupported request %s", req.Command())}
	}
}

func (m *Manager) register(r protocol.RegisterRequest) protocol.RegisterResponse {
	slot, err := m.table.Allocate(clients.Info{
		Type:     r.ClientType,
		Priority: r.Priority,
		Desc:     r.Desc,
		Owner:    m.cfg.Owner,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("name", r.Desc.Name).Msg("register rejected")
		return protocol.RegisterResponse{Status: statusFor(err)}
	}
	m.log.Info().
		Uint32("client_id", slot.ID).
		Uint32("type", r.ClientType).
		Uint32("priority", r.Priority).
		Str("name", r.Desc.Name).
		Msg("client registered")
	return protocol.RegisterResponse{Status: protocol.StatusOK, ClientID: slot.ID}
}

func (m *Manager) deregister(r protocol.DeregisterRequest) protocol.Status {
	if err := m.table.Free(r.ClientID); err != nil {
		m.log.Debug().Err(err).Msg("deregister rejected")
		return statusFor(err)
	}
	m.log.Info().Uint32("client_id", r.ClientID).Msg("client deregistered")
	return protocol.StatusOK
}

func (m *Manager) setValue(r protocol.SetValueRequest) protocol.SetValueResponse {
	applied := r.Value
	if m.cfg.ValueCeiling > 0 {
		applied = lo.Clamp(applied, 0, m.cfg.ValueCeiling)
	}
	_, err := m.table.Update(r.ClientID, func(s *clients.Slot) {
		s.Value.Cur = applied
		s.Value.Max = lo.Max([]uint64{s.Value.Max, applied})
	})
	if err != nil {
		return protocol.SetValueResponse{Status: statusFor(err)}
	}
	if applied != r.Value {
		m.log.Debug().Uint32("client_id", r.ClientID).Uint64("requested", r.Value).Uint64("applied", applied).Msg("value capped")
	}
	return protocol.SetValueResponse{Status: protocol.StatusOK, Value: applied}
}

func (m *Manager) setValueInRange(r protocol.SetValueInRangeRequest) protocol.Status {
	v := r.Value
	if v.Min > v.Max || v.Cur < v.Min || v.Cur > v.Max {
		return protocol.StatusInvalid
	}
	if m.cfg.ValueCeiling > 0 && v.Min > m.cfg.ValueCeiling {
		return protocol.StatusInvalid
	}
	if m.cfg.ValueCeiling > 0 {
		v.Max = lo.Min([]uint64{v.Max, m.cfg.ValueCeiling})
		v.Cur = lo.Clamp(v.Cur, v.Min, v.Max)
	}
	if _, err := m.table.Update(r.ClientID, func(s *clients.Slot) { s.Value = v }); err != nil {
		return statusFor(err)
	}
	return protocol.StatusOK
}

func (m *Manager) getValue(r protocol.GetValueRequest) protocol.GetValueResponse {
	slot, err := m.table.Lookup(r.ClientID)
	if err != nil {
		return protocol.GetValueResponse{Status: statusFor(err)}
	}
	return protocol.GetValueResponse{Status: protocol.StatusOK, Value: slot.Value}
}

func statusFor(err error) protocol.Status {
	switch {
	case errors.Is(err, clients.ErrUnknownClient):
		return protocol.StatusNoEntry
	case errors.Is(err, clients.ErrTableFull):
		return protocol.StatusNoSpace
	default:
		return protocol.StatusIO
	}
}

// StatusError carries the status a failed request is answered with.
type StatusError struct {
	Code protocol.Status
	Err  error
}

func (e *StatusError) Error() string           { return e.Err.Error() }
func (e *StatusError) Unwrap() error           { return e.Err }
func (e *StatusError) Status() protocol.Status { return e.Code }
