package protocol

import (
	"fmt"
)

// Receiver reads exactly n bytes or fails.
type Receiver interface {
	ReceiveExact(n int) ([]byte, error)
}

// Sender writes every byte of b or fails.
type Sender interface {
	SendAll(b []byte) error
}

// Codec frames messages over the byte-exact transport primitives.
type Codec struct {
	// MaxPayload bounds inbound payload allocation. Zero accepts anything the
	// header format can express.
	MaxPayload uint64
}

// Encode returns header and payload as one contiguous frame.
func (c Codec) Encode(m Message) ([]byte, error) {
	hdr, err := EncodeHeader(m.Header())
	if err != nil {
		return nil, err
	}
	frame := make([]byte, len(hdr)+len(m.payload))
	copy(frame, hdr)
	copy(frame[len(hdr):], m.payload)
	return frame, nil
}

// Write sends m as a single frame.
func (c Codec) Write(s Sender, m Message) error {
	frame, err := c.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.kind, err)
	}
	if err := s.SendAll(frame); err != nil {
		return fmt.Errorf("send %s: %w", m.kind, err)
	}
	return nil
}

// Read receives one message: the 11-byte base header, the layer tag when the
// type requires it, then exactly Length payload bytes.
func (c Codec) Read(r Receiver) (Message, error) {
	base, err := r.ReceiveExact(BaseHeaderLength)
	if err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}
	h, err := DecodeBaseHeader(base)
	if err != nil {
		return Message{}, err
	}

	m := Message{kind: h.Kind}
	if h.Kind.HasLayer() {
		tag, err := r.ReceiveExact(1)
		if err != nil {
			return Message{}, fmt.Errorf("read layer tag: %w", err)
		}
		if m.layer, err = DecodeLayerTag(tag[0]); err != nil {
			return Message{}, err
		}
	}

	if c.MaxPayload > 0 && h.Length > c.MaxPayload {
		return Message{}, fmt.Errorf("read %s: payload length %d exceeds limit %d", h.Kind, h.Length, c.MaxPayload)
	}
	if h.Length == 0 {
		return m, nil
	}
	if m.payload, err = r.ReceiveExact(int(h.Length)); err != nil {
		return Message{}, fmt.Errorf("read %s payload: %w", h.Kind, err)
	}
	if uint64(len(m.payload)) != h.Length {
		return Message{}, fmt.Errorf("read %s payload: got %d bytes, header declared %d", h.Kind, len(m.payload), h.Length)
	}
	return m, nil
}
