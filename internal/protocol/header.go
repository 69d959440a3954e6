package protocol

import (
	"fmt"
	"strconv"
)

const (
	// LengthDigits is the width of the zero-padded decimal length field.
	LengthDigits = 10
	// BaseHeaderLength covers the length field and the type tag.
	BaseHeaderLength = LengthDigits + 1
	// LayerHeaderLength adds the layer id tag for weight messages.
	LayerHeaderLength = BaseHeaderLength + 1

	MaxPayloadLength uint64 = 9_999_999_999
	MaxLayerID       uint8  = 9
)

// Header layout:
//
//	 0                   9   10   11
//	+---------------------+----+----+
//	| payload length      |type|lay |
//	| 10 ASCII digits     |tag |tag |
//	+---------------------+----+----+
//
// The layer tag is an ASCII digit and is present only for M/m messages, so a
// reader learns the full header size from byte 10.
type Header struct {
	Length   uint64
	Kind     Kind
	Layer    uint8
	HasLayer bool
}

func (h Header) Size() int {
	if h.Kind.HasLayer() {
		return LayerHeaderLength
	}
	return BaseHeaderLength
}

func (h Header) String() string {
	if h.HasLayer {
		return fmt.Sprintf("Header{Length=%d, Kind=%s, Layer=%d}", h.Length, h.Kind, h.Layer)
	}
	return fmt.Sprintf("Header{Length=%d, Kind=%s}", h.Length, h.Kind)
}

// EncodeHeader renders h in its ASCII wire form.
func EncodeHeader(h Header) ([]byte, error) {
	if !h.Kind.Valid() {
		return nil, fmt.Errorf("encode header: unknown kind %q", byte(h.Kind))
	}
	if h.Length > MaxPayloadLength {
		return nil, fmt.Errorf("encode header: payload length %d exceeds %d", h.Length, MaxPayloadLength)
	}
	if h.Kind.HasLayer() != h.HasLayer {
		return nil, fmt.Errorf("encode header: kind %s layer presence mismatch", h.Kind)
	}
	if h.HasLayer && h.Layer > MaxLayerID {
		return nil, fmt.Errorf("encode header: layer %d exceeds %d", h.Layer, MaxLayerID)
	}

	buf := make([]byte, 0, LayerHeaderLength)
	buf = fmt.Appendf(buf, "%010d", h.Length)
	buf = append(buf, byte(h.Kind))
	if h.HasLayer {
		buf = append(buf, '0'+h.Layer)
	}
	return buf, nil
}

// DecodeBaseHeader parses the fixed 11-byte prefix. When the returned header's
// kind carries a layer, the caller must read one more byte and pass it to
// DecodeLayerTag.
func DecodeBaseHeader(buf []byte) (Header, error) {
	if len(buf) != BaseHeaderLength {
		return Header{}, fmt.Errorf("decode header: got %d bytes, expected %d", len(buf), BaseHeaderLength)
	}
	for i := 0; i < LengthDigits; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			return Header{}, fmt.Errorf("decode header: non-digit %q in length field %q", buf[i], buf[:LengthDigits])
		}
	}
	length, err := strconv.ParseUint(string(buf[:LengthDigits]), 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("decode header: length field: %w", err)
	}

	kind := Kind(buf[LengthDigits])
	if !kind.Valid() {
		return Header{}, fmt.Errorf("decode header: unknown kind %q", buf[LengthDigits])
	}
	return Header{Length: length, Kind: kind}, nil
}

// DecodeLayerTag parses the conditional twelfth header byte.
func DecodeLayerTag(b byte) (uint8, error) {
	if b < '0' || b > '0'+MaxLayerID {
		return 0, fmt.Errorf("decode header: invalid layer tag %q", b)
	}
	return b - '0', nil
}

// DecodeHeader parses a complete 11- or 12-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < BaseHeaderLength {
		return Header{}, fmt.Errorf("decode header: got %d bytes, need at least %d", len(buf), BaseHeaderLength)
	}
	h, err := DecodeBaseHeader(buf[:BaseHeaderLength])
	if err != nil {
		return Header{}, err
	}
	if len(buf) != h.Size() {
		return Header{}, fmt.Errorf("decode header: kind %s needs %d bytes, got %d", h.Kind, h.Size(), len(buf))
	}
	if h.Kind.HasLayer() {
		layer, err := DecodeLayerTag(buf[BaseHeaderLength])
		if err != nil {
			return Header{}, err
		}
		h.Layer, h.HasLayer = layer, true
	}
	return h, nil
}
