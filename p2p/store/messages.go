package store

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/p2p"
	"tradenet/p2p/payload"
)

// GetDataRequest asks a peer for everything the requester does not hold yet.
type GetDataRequest struct {
	Nonce        uint32
	ExcludedKeys []ByteArray
	// Version is the release of the requester, selecting historical tiers.
	Version      string
	Capabilities p2p.Capabilities
}

// GetDataResponse answers a GetDataRequest.
type GetDataResponse struct {
	RequestNonce     uint32
	Payloads         []payload.Payload
	ProtectedEntries []*ProtectedEntry
	WasTruncated     bool
}

// NewAddPayloadMessage wraps an append-only payload for gossip.
func NewAddPayloadMessage(p payload.Payload) *p2p.Message {
	return &p2p.Message{Type: p2p.MsgTypeAddPersistableNetworkPayload, Payload: payload.MarshalTagged(p)}
}

// NewAddDataMessage wraps a protected entry for gossip.
func NewAddDataMessage(e *ProtectedEntry) *p2p.Message {
	return &p2p.Message{Type: p2p.MsgTypeAddData, Payload: e.Marshal()}
}

// NewRemoveMailboxDataMessage wraps a signed mailbox removal for gossip.
func NewRemoveMailboxDataMessage(e *ProtectedEntry) *p2p.Message {
	return &p2p.Message{Type: p2p.MsgTypeRemoveMailboxData, Payload: e.Marshal()}
}

// Message encodes the request for the wire.
func (r *GetDataRequest) Message() *p2p.Message {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Nonce))
	for _, key := range r.ExcludedKeys {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, key.Bytes())
	}
	if r.Version != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.Version)
	}
	for _, c := range r.Capabilities.List() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c))
	}
	return &p2p.Message{Type: p2p.MsgTypeGetDataRequest, Payload: b}
}

// DecodeGetDataRequest decodes a request message.
func DecodeGetDataRequest(msg *p2p.Message) (*GetDataRequest, error) {
	if msg == nil || msg.Type != p2p.MsgTypeGetDataRequest {
		return nil, fmt.Errorf("%w: not a get data request", p2p.ErrInvalidPayload)
	}
	req := &GetDataRequest{}
	var caps []p2p.Capability
	err := walk(msg.Payload, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			req.Nonce = uint32(v)
		case 2:
			if len(data) > 0 {
				req.ExcludedKeys = append(req.ExcludedKeys, ByteArray(data))
			}
		case 3:
			req.Version = string(data)
		case 4:
			caps = append(caps, p2p.Capability(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
	}
	req.Capabilities = p2p.NewCapabilities(caps...)
	return req, nil
}

// Message encodes the response for the wire.
func (r *GetDataResponse) Message() *p2p.Message {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RequestNonce))
	for _, p := range r.Payloads {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, payload.MarshalTagged(p))
	}
	for _, e := range r.ProtectedEntries {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Marshal())
	}
	if r.WasTruncated {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return &p2p.Message{Type: p2p.MsgTypeGetDataResponse, Payload: b}
}

// DecodeGetDataResponse decodes a response message.
func DecodeGetDataResponse(msg *p2p.Message) (*GetDataResponse, error) {
	if msg == nil || msg.Type != p2p.MsgTypeGetDataResponse {
		return nil, fmt.Errorf("%w: not a get data response", p2p.ErrInvalidPayload)
	}
	resp := &GetDataResponse{}
	err := walk(msg.Payload, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			resp.RequestNonce = uint32(v)
		case 2:
			p, err := payload.UnmarshalTagged(data)
			if err != nil {
				return err
			}
			resp.Payloads = append(resp.Payloads, p)
		case 3:
			e, err := UnmarshalProtectedEntry(data)
			if err != nil {
				return err
			}
			resp.ProtectedEntries = append(resp.ProtectedEntries, e)
		case 4:
			resp.WasTruncated = v != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
	}
	return resp, nil
}

func walk(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
