package protocol

import (
	"fmt"

	"github.com/danmuck/rmbridge/internal/protocol/frame"
)

// Command identifies the payload shape carried by a frame.
type Command uint32

const (
	CmdRegister        Command = 0x01
	CmdDeregister      Command = 0x02
	CmdSetValue        Command = 0x03
	CmdSetValueInRange Command = 0x04
	CmdGetValue        Command = 0x05

	responseBit Command = 0x80

	CmdRegisterResponse        = CmdRegister | responseBit
	CmdDeregisterResponse      = CmdDeregister | responseBit
	CmdSetValueResponse        = CmdSetValue | responseBit
	CmdSetValueInRangeResponse = CmdSetValueInRange | responseBit
	CmdGetValueResponse        = CmdGetValue | responseBit
)

func (c Command) IsResponse() bool { return c&responseBit != 0 }

// Response returns the response id paired with request c.
func (c Command) Response() Command { return c | responseBit }

// Request returns the request id paired with response c.
func (c Command) Request() Command { return c &^ responseBit }

func (c Command) Known() bool {
	_, ok := payloadSizes[c]
	return ok
}

func (c Command) String() string {
	var name string
	switch c.Request() {
	case CmdRegister:
		name = "register"
	case CmdDeregister:
		name = "deregister"
	case CmdSetValue:
		name = "set_value"
	case CmdSetValueInRange:
		name = "set_value_in_range"
	case CmdGetValue:
		name = "get_value"
	default:
		return fmt.Sprintf("command(0x%02x)", uint32(c))
	}
	if c.IsResponse() {
		return name + ".response"
	}
	return name
}

// Status is the result code every response carries. Zero is success;
// failures use negative errno values so a C peer can pass its own codes through.
type Status int32

const (
	StatusOK      Status = 0
	StatusNoEntry Status = -2
	StatusIO      Status = -5
	StatusInvalid Status = -22
	StatusNoSpace Status = -28
)

func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoEntry:
		return "no_entry"
	case StatusIO:
		return "io"
	case StatusInvalid:
		return "invalid"
	case StatusNoSpace:
		return "no_space"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Payload is one member of the command-keyed union. The set of
// implementations is closed to this package.
type Payload interface {
	Command() Command
	wireSize() int
	put(b []byte) error
}

// Message is a decoded frame.
type Message struct {
	Header  frame.Header
	Payload Payload
}

func (m Message) Seq() uint64 { return m.Header.Seq }

func (m Message) Command() Command { return Command(m.Header.Command) }

// ClientNameLen is the fixed width of the client name on the wire. The field
// is a C string, so a name holds at most MaxClientNameLen bytes plus its NUL.
const (
	ClientNameLen    = 32
	MaxClientNameLen = ClientNameLen - 1
)

// ClientDesc identifies the resource a client controls.
type ClientDesc struct {
	Domain uint32
	ID     uint32
	Name   string
}

// ClientData qualifies a set-value request.
type ClientData struct {
	Flags       uint32
	NumHWBlocks uint32
}

// ResValue is a resource value range.
type ResValue struct {
	Min uint64
	Cur uint64
	Max uint64
}

type RegisterRequest struct {
	ClientType uint32
	Priority   uint32
	Desc       ClientDesc
}

type RegisterResponse struct {
	Status   Status
	ClientID uint32
}

type DeregisterRequest struct {
	ClientID uint32
}

type DeregisterResponse struct {
	Status Status
}

type SetValueRequest struct {
	ClientID uint32
	Data     ClientData
	Value    uint64
}

type SetValueResponse struct {
	Status Status
	Value  uint64
}

type SetValueInRangeRequest struct {
	ClientID uint32
	Data     ClientData
	Value    ResValue
}

type SetValueInRangeResponse struct {
	Status Status
}

type GetValueRequest struct {
	ClientID uint32
}

type GetValueResponse struct {
	Status Status
	Value  ResValue
}

func (RegisterRequest) Command() Command         { return CmdRegister }
func (RegisterResponse) Command() Command        { return CmdRegisterResponse }
func (DeregisterRequest) Command() Command       { return CmdDeregister }
func (DeregisterResponse) Command() Command      { return CmdDeregisterResponse }
func (SetValueRequest) Command() Command         { return CmdSetValue }
func (SetValueResponse) Command() Command        { return CmdSetValueResponse }
func (SetValueInRangeRequest) Command() Command  { return CmdSetValueInRange }
func (SetValueInRangeResponse) Command() Command { return CmdSetValueInRangeResponse }
func (GetValueRequest) Command() Command         { return CmdGetValue }
func (GetValueResponse) Command() Command        { return CmdGetValueResponse }

// ResponseStatus returns the status of a response payload and false for requests.
func ResponseStatus(p Payload) (Status, bool) {
	switch v := p.(type) {
	case RegisterResponse:
		return v.Status, true
	case DeregisterResponse:
		return v.Status, true
	case SetValueResponse:
		return v.Status, true
	case SetValueInRangeResponse:
		return v.Status, true
	case GetValueResponse:
		return v.Status, true
	default:
		return 0, false
	}
}

// ErrorResponse builds the response shape for request cmd carrying only st.
func ErrorResponse(cmd Command, st Status) (Payload, error) {
	switch cmd.Request() {
	case CmdRegister:
		return RegisterResponse{Status: st}, nil
	case CmdDeregister:
		return DeregisterResponse{Status: st}, nil
	case CmdSetValue:
		return SetValueResponse{Status: st}, nil
	case CmdSetValueInRange:
		return SetValueInRangeResponse{Status: st}, nil
	case CmdGetValue:
		return GetValueResponse{Status: st}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}
