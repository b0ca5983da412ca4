package wschan

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danmuck/rmbridge/internal/auth"
	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Dialer registers by connecting to a Server.
type Dialer struct {
	URL      string
	Identity string
	Token    string
	Max      int
	Dialer   *websocket.Dialer
	Log      zerolog.Logger
}

var _ channel.Registrar = (*Dialer)(nil)

func (d *Dialer) Register(ctx context.Context, label string) (channel.Endpoint, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	h := http.Header{}
	h.Set(HeaderIdentity, d.Identity)
	h.Set(HeaderLabel, label)
	auth.Attach(h, d.Token)
	ws, resp, err := dialer.DialContext(ctx, d.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s: %w", channel.ErrPeerUnknown, d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", channel.ErrPeerUnknown, d.URL, err)
	}
	d.Log.Debug().Str("url", d.URL).Str("label", label).Msg("websocket registered")
	return newConn(ws, "", d.Max, d.Log), nil
}
