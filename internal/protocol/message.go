package protocol

import (
	"fmt"
	"strconv"
)

// Message is one framed protocol unit. The layer id is only meaningful for
// weight messages; use Layer to read it.
type Message struct {
	kind    Kind
	layer   uint8
	payload []byte
}

// NewMessage builds a message whose kind carries no layer id.
func NewMessage(kind Kind, payload []byte) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("unknown kind %q", byte(kind))
	}
	if kind.HasLayer() {
		return Message{}, fmt.Errorf("kind %s requires a layer id", kind)
	}
	return Message{kind: kind, payload: payload}, nil
}

// NewLayerMessage builds a WEIGHTS_UP or WEIGHTS_DOWN message.
func NewLayerMessage(kind Kind, layer uint8, payload []byte) (Message, error) {
	if !kind.HasLayer() {
		return Message{}, fmt.Errorf("kind %s does not carry a layer id", kind)
	}
	if layer > MaxLayerID {
		return Message{}, fmt.Errorf("layer %d exceeds %d", layer, MaxLayerID)
	}
	return Message{kind: kind, layer: layer, payload: payload}, nil
}

// Control builds an empty-payload message. It panics on layer kinds and is
// meant for the fixed control vocabulary.
func Control(kind Kind) Message {
	m, err := NewMessage(kind, nil)
	if err != nil {
		panic(err)
	}
	return m
}

// Text builds a message whose payload is an ASCII string.
func Text(kind Kind, s string) (Message, error) {
	return NewMessage(kind, []byte(s))
}

// Decimal builds a message whose payload is a decimal integer.
func Decimal(kind Kind, n int) (Message, error) {
	return NewMessage(kind, []byte(strconv.Itoa(n)))
}

func (m Message) Kind() Kind { return m.kind }

// Layer returns the layer id and whether the message carries one.
func (m Message) Layer() (uint8, bool) {
	if !m.kind.HasLayer() {
		return 0, false
	}
	return m.layer, true
}

func (m Message) Payload() []byte { return m.payload }

func (m Message) Len() int { return len(m.payload) }

// Header returns the header describing m.
func (m Message) Header() Header {
	layer, ok := m.Layer()
	return Header{Length: uint64(len(m.payload)), Kind: m.kind, Layer: layer, HasLayer: ok}
}

// Int parses the payload as a decimal integer.
func (m Message) Int() (int, error) {
	n, err := strconv.Atoi(string(m.payload))
	if err != nil {
		return 0, fmt.Errorf("%s payload %q is not a decimal integer: %w", m.kind, m.payload, err)
	}
	return n, nil
}

func (m Message) String() string {
	if layer, ok := m.Layer(); ok {
		return fmt.Sprintf("%s[layer=%d, %d bytes]", m.kind, layer, len(m.payload))
	}
	return fmt.Sprintf("%s[%d bytes]", m.kind, len(m.payload))
}
