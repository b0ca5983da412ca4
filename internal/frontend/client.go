// Package frontend is the calling side's typed API over a session.
package frontend

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/rmbridge/internal/clients"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrUnexpectedResponse = errors.New("frontend: unexpected response type")
	ErrNilHandle          = errors.New("frontend: nil client handle")
)

// Caller issues one correlated request. *session.Session satisfies it.
type Caller interface {
	Call(ctx context.Context, req protocol.Payload) (protocol.Payload, error)
}

// RemoteError is a response that arrived with a non-zero status.
type RemoteError struct {
	Command protocol.Command
	Status  protocol.Status
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("frontend: %s failed remotely: %s", e.Command, e.Status)
}

// Handle is a registered client. Its ID is the one the executing side assigned.
type Handle struct {
	ID       uint32
	Type     uint32
	Priority uint32
	Desc     protocol.ClientDesc
}

type Client struct {
	caller Caller
	table  *clients.Table
	log    zerolog.Logger
}

func New(caller Caller, maxClients int, log zerolog.Logger) (*Client, error) {
	tbl, err := clients.NewTable(maxClients)
	if err != nil {
		return nil, err
	}
	return &Client{caller: caller, table: tbl, log: log}, nil
}

// Clients returns the locally bound handles ordered by id.
func (c *Client) Clients() []clients.Slot { return c.table.Snapshot() }

func (c *Client) Register(ctx context.Context, clientType, priority uint32, desc protocol.ClientDesc) (*Handle, error) {
	resp, err := call[protocol.RegisterResponse](ctx, c.caller, protocol.RegisterRequest{
		ClientType: clientType,
		Priority:   priority,
		Desc:       desc,
	})
	if err != nil {
		return nil, err
	}
	slot, err := c.table.Bind(resp.ClientID, clients.Info{Type: clientType, Priority: priority, Desc: desc})
	if err != nil {
		c.log.Error().Err(err).Uint32("client_id", resp.ClientID).Msg("bind registered client")
		if _, derr := call[protocol.DeregisterResponse](ctx, c.caller, protocol.DeregisterRequest{ClientID: resp.ClientID}); derr != nil {
			c.log.Warn().Err(derr).Uint32("client_id", resp.ClientID).Msg("release unbound remote client")
		}
		return nil, err
	}
	c.log.Debug().Uint32("client_id", slot.ID).Str("name", desc.Name).Msg("registered")
	return &Handle{ID: slot.ID, Type: clientType, Priority: priority, Desc: desc}, nil
}

func (c *Client) Deregister(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if _, err := call[protocol.DeregisterResponse](ctx, c.caller, protocol.DeregisterRequest{ClientID: h.ID}); err != nil {
		return err
	}
	if err := c.table.Free(h.ID); err != nil {
		c.log.Debug().Err(err).Uint32("client_id", h.ID).Msg("deregistered client was not bound locally")
	}
	return nil
}

// SetValue returns the value the executing side applied.
func (c *Client) SetValue(ctx context.Context, h *Handle, data protocol.ClientData, value uint64) (uint64, error) {
	if h == nil {
		return 0, ErrNilHandle
	}
	resp, err := call[protocol.SetValueResponse](ctx, c.caller, protocol.SetValueRequest{
		ClientID: h.ID,
		Data:     data,
		Value:    value,
	})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *Client) SetValueInRange(ctx context.Context, h *Handle, data protocol.ClientData, value protocol.ResValue) error {
	if h == nil {
		return ErrNilHandle
	}
	_, err := call[protocol.SetValueInRangeResponse](ctx, c.caller, protocol.SetValueInRangeRequest{
		ClientID: h.ID,
		Data:     data,
		Value:    value,
	})
	return err
}

func (c *Client) GetValue(ctx context.Context, h *Handle) (protocol.ResValue, error) {
	if h == nil {
		return protocol.ResValue{}, ErrNilHandle
	}
	resp, err := call[protocol.GetValueResponse](ctx, c.caller, protocol.GetValueRequest{ClientID: h.ID})
	if err != nil {
		return protocol.ResValue{}, err
	}
	return resp.Value, nil
}

func call[R protocol.Payload](ctx context.Context, caller Caller, req protocol.Payload) (R, error) {
	var zero R
	raw, err := caller.Call(ctx, req)
	if err != nil {
		return zero, err
	}
	resp, ok := raw.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %T for %s", ErrUnexpectedResponse, raw, req.Command())
	}
	if st, _ := protocol.ResponseStatus(resp); !st.OK() {
		return zero, &RemoteError{Command: req.Command(), Status: st}
	}
	return resp, nil
}
