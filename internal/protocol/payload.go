package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

var le = binary.LittleEndian

// payloadSizes is the fixed encoded size of each command's payload.
var payloadSizes = map[Command]int{
	CmdRegister:                16 + ClientNameLen,
	CmdRegisterResponse:        8,
	CmdDeregister:              4,
	CmdDeregisterResponse:      4,
	CmdSetValue:                24,
	CmdSetValueResponse:        16,
	CmdSetValueInRange:         40,
	CmdSetValueInRangeResponse: 4,
	CmdGetValue:                4,
	CmdGetValueResponse:        32,
}

var decoders = map[Command]func(b []byte) Payload{
	CmdRegister: func(b []byte) Payload {
		return RegisterRequest{
			ClientType: le.Uint32(b[0:4]),
			Priority:   le.Uint32(b[4:8]),
			Desc: ClientDesc{
				Domain: le.Uint32(b[8:12]),
				ID:     le.Uint32(b[12:16]),
				Name:   cString(b[16 : 16+ClientNameLen]),
			},
		}
	},
	CmdRegisterResponse: func(b []byte) Payload {
		return RegisterResponse{Status: Status(le.Uint32(b[0:4])), ClientID: le.Uint32(b[4:8])}
	},
	CmdDeregister: func(b []byte) Payload {
		return DeregisterRequest{ClientID: le.Uint32(b[0:4])}
	},
	CmdDeregisterResponse: func(b []byte) Payload {
		return DeregisterResponse{Status: Status(le.Uint32(b[0:4]))}
	},
	CmdSetValue: func(b []byte) Payload {
		return SetValueRequest{
			ClientID: le.Uint32(b[0:4]),
			Data:     getClientData(b[4:12]),
			Value:    le.Uint64(b[16:24]),
		}
	},
	CmdSetValueResponse: func(b []byte) Payload {
		return SetValueResponse{Status: Status(le.Uint32(b[0:4])), Value: le.Uint64(b[8:16])}
	},
	CmdSetValueInRange: func(b []byte) Payload {
		return SetValueInRangeRequest{
			ClientID: le.Uint32(b[0:4]),
			Data:     getClientData(b[4:12]),
			Value:    getResValue(b[16:40]),
		}
	},
	CmdSetValueInRangeResponse: func(b []byte) Payload {
		return SetValueInRangeResponse{Status: Status(le.Uint32(b[0:4]))}
	},
	CmdGetValue: func(b []byte) Payload {
		return GetValueRequest{ClientID: le.Uint32(b[0:4])}
	},
	CmdGetValueResponse: func(b []byte) Payload {
		return GetValueResponse{Status: Status(le.Uint32(b[0:4])), Value: getResValue(b[8:32])}
	},
}

func (p RegisterRequest) wireSize() int { return payloadSizes[CmdRegister] }
func (p RegisterRequest) put(b []byte) error {
	if len(p.Desc.Name) > MaxClientNameLen {
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(p.Desc.Name), MaxClientNameLen)
	}
	if strings.IndexByte(p.Desc.Name, 0) >= 0 {
		return ErrNameHasNUL
	}
	le.PutUint32(b[0:4], p.ClientType)
	le.PutUint32(b[4:8], p.Priority)
	le.PutUint32(b[8:12], p.Desc.Domain)
	le.PutUint32(b[12:16], p.Desc.ID)
	copy(b[16:16+ClientNameLen], p.Desc.Name)
	return nil
}

func (p RegisterResponse) wireSize() int { return payloadSizes[CmdRegisterResponse] }
func (p RegisterResponse) put(b []byte) error {
	le.PutUint32(b[0:4], uint32(p.Status))
	le.PutUint32(b[4:8], p.ClientID)
	return nil
}

func (p DeregisterRequest) wireSize() int { return payloadSizes[CmdDeregister] }
func (p DeregisterRequest) put(b []byte) error {
	le.PutUint32(b[0:4], p.ClientID)
	return nil
}

func (p DeregisterResponse) wireSize() int { return payloadSizes[CmdDeregisterResponse] }
func (p DeregisterResponse) put(b []byte) error {
	le.PutUint32(b[0:4], uint32(p.Status))
	return nil
}

func (p SetValueRequest) wireSize() int { return payloadSizes[CmdSetValue] }
func (p SetValueRequest) put(b []byte) error {
	le.PutUint32(b[0:4], p.ClientID)
	putClientData(b[4:12], p.Data)
	le.PutUint64(b[16:24], p.Value)
	return nil
}

func (p SetValueResponse) wireSize() int { return payloadSizes[CmdSetValueResponse] }
func (p SetValueResponse) put(b []byte) error {
	le.PutUint32(b[0:4], uint32(p.Status))
	le.PutUint64(b[8:16], p.Value)
	return nil
}

func (p SetValueInRangeRequest) wireSize() int { return payloadSizes[CmdSetValueInRange] }
func (p SetValueInRangeRequest) put(b []byte) error {
	le.PutUint32(b[0:4], p.ClientID)
	putClientData(b[4:12], p.Data)
	putResValue(b[16:40], p.Value)
	return nil
}

func (p SetValueInRangeResponse) wireSize() int { return payloadSizes[CmdSetValueInRangeResponse] }
func (p SetValueInRangeResponse) put(b []byte) error {
	le.PutUint32(b[0:4], uint32(p.Status))
	return nil
}

func (p GetValueRequest) wireSize() int { return payloadSizes[CmdGetValue] }
func (p GetValueRequest) put(b []byte) error {
	le.PutUint32(b[0:4], p.ClientID)
	return nil
}

func (p GetValueResponse) wireSize() int { return payloadSizes[CmdGetValueResponse] }
func (p GetValueResponse) put(b []byte) error {
	le.PutUint32(b[0:4], uint32(p.Status))
	putResValue(b[8:32], p.Value)
	return nil
}

func putClientData(b []byte, d ClientData) {
	le.PutUint32(b[0:4], d.Flags)
	le.PutUint32(b[4:8], d.NumHWBlocks)
}

func getClientData(b []byte) ClientData {
	return ClientData{Flags: le.Uint32(b[0:4]), NumHWBlocks: le.Uint32(b[4:8])}
}

func putResValue(b []byte, v ResValue) {
	le.PutUint64(b[0:8], v.Min)
	le.PutUint64(b[8:16], v.Cur)
	le.PutUint64(b[16:24], v.Max)
}

func getResValue(b []byte) ResValue {
	return ResValue{Min: le.Uint64(b[0:8]), Cur: le.Uint64(b[8:16]), Max: le.Uint64(b[16:24])}
}

// cString reads a NUL-terminated name the way the native peer does.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
