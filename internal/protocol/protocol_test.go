package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferConn adapts a bytes.Buffer to the transport primitives.
type bufferConn struct {
	buf bytes.Buffer
}

func (b *bufferConn) SendAll(p []byte) error {
	_, err := b.buf.Write(p)
	return err
}

func (b *bufferConn) ReceiveExact(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(&b.buf, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestHeaderRoundTrip(t *testing.T) {
	lengths := []uint64{0, 1, 32, 8704, 1<<32 + 5, MaxPayloadLength}

	for _, kind := range Kinds() {
		for _, length := range lengths {
			h := Header{Length: length, Kind: kind}
			if kind.HasLayer() {
				for layer := uint8(0); layer <= MaxLayerID; layer++ {
					h.Layer, h.HasLayer = layer, true
					buf, err := EncodeHeader(h)
					require.NoError(t, err)
					assert.Len(t, buf, LayerHeaderLength)

					got, err := DecodeHeader(buf)
					require.NoError(t, err)
					assert.Equal(t, h, got)
				}
				continue
			}

			buf, err := EncodeHeader(h)
			require.NoError(t, err)
			assert.Len(t, buf, BaseHeaderLength)

			got, err := DecodeHeader(buf)
			require.NoError(t, err)
			assert.Equal(t, h, got)
		}
	}
}

func TestHeaderExamples(t *testing.T) {
	t.Run("id request", func(t *testing.T) {
		buf, err := EncodeHeader(Header{Kind: KindIDRequest})
		require.NoError(t, err)
		assert.Equal(t, "0000000000I", string(buf))

		h, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), h.Length)
		assert.Equal(t, KindIDRequest, h.Kind)
		assert.False(t, h.HasLayer)
	})

	t.Run("weights up layer 2", func(t *testing.T) {
		buf, err := EncodeHeader(Header{Length: 32, Kind: KindWeightsUp, Layer: 2, HasLayer: true})
		require.NoError(t, err)
		assert.Equal(t, "0000000032M2", string(buf))

		h, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, Header{Length: 32, Kind: KindWeightsUp, Layer: 2, HasLayer: true}, h)
	})
}

func TestHeaderErrors(t *testing.T) {
	cases := []struct {
		name string
		buf  string
	}{
		{"short", "000000000I"},
		{"non digit length", "00000a0000I"},
		{"signed length", "+000000000I"},
		{"unknown kind", "0000000000Q"},
		{"missing layer", "0000000032M"},
		{"bad layer", "0000000032Mx"},
		{"extra byte on control", "0000000000I0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHeader([]byte(tc.buf))
			assert.Error(t, err)
		})
	}

	_, err := EncodeHeader(Header{Length: MaxPayloadLength + 1, Kind: KindFile})
	assert.Error(t, err)
	_, err = EncodeHeader(Header{Kind: KindWeightsDown})
	assert.Error(t, err)
	_, err = EncodeHeader(Header{Kind: KindStart, HasLayer: true})
	assert.Error(t, err)
	_, err = EncodeHeader(Header{Kind: KindWeightsUp, Layer: 10, HasLayer: true})
	assert.Error(t, err)
}

func TestCodecReadWrite(t *testing.T) {
	var codec Codec
	conn := &bufferConn{}

	values := []float64{1, -2.5, math.Inf(1), 0.1}
	payload := make([]byte, 0, 32)
	for _, v := range values {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			payload = append(payload, byte(bits>>(8*i)))
		}
	}

	up, err := NewLayerMessage(KindWeightsUp, 2, payload)
	require.NoError(t, err)
	id, err := Decimal(KindIDAssign, 7)
	require.NoError(t, err)

	require.NoError(t, codec.Write(conn, Control(KindIDRequest)))
	require.NoError(t, codec.Write(conn, up))
	require.NoError(t, codec.Write(conn, id))
	assert.Equal(t, "0000000000I0000000032M2", conn.buf.String()[:23])

	m, err := codec.Read(conn)
	require.NoError(t, err)
	assert.Equal(t, KindIDRequest, m.Kind())
	assert.Empty(t, m.Payload())
	_, hasLayer := m.Layer()
	assert.False(t, hasLayer)

	m, err = codec.Read(conn)
	require.NoError(t, err)
	assert.Equal(t, KindWeightsUp, m.Kind())
	layer, hasLayer := m.Layer()
	assert.True(t, hasLayer)
	assert.Equal(t, uint8(2), layer)
	assert.Equal(t, payload, m.Payload())

	m, err = codec.Read(conn)
	require.NoError(t, err)
	n, err := m.Int()
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = codec.Read(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodecPayloadExactness(t *testing.T) {
	t.Run("short payload fails", func(t *testing.T) {
		conn := &bufferConn{}
		conn.buf.WriteString("0000000010f")
		conn.buf.WriteString("abc")
		_, err := Codec{}.Read(conn)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("trailing bytes stay for next frame", func(t *testing.T) {
		conn := &bufferConn{}
		conn.buf.WriteString("0000000003fabc0000000000s")
		m, err := Codec{}.Read(conn)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(m.Payload()))

		m, err = Codec{}.Read(conn)
		require.NoError(t, err)
		assert.Equal(t, KindStart, m.Kind())
	})

	t.Run("limit", func(t *testing.T) {
		conn := &bufferConn{}
		conn.buf.WriteString("0000001000f")
		_, err := Codec{MaxPayload: 10}.Read(conn)
		assert.Error(t, err)
	})
}

func TestMessageConstructors(t *testing.T) {
	_, err := NewMessage(KindWeightsUp, nil)
	assert.Error(t, err)
	_, err = NewLayerMessage(KindFile, 0, nil)
	assert.Error(t, err)
	_, err = NewMessage(Kind('Q'), nil)
	assert.Error(t, err)

	assert.Panics(t, func() { Control(KindWeightsDown) })
	assert.Equal(t, "DONE[0 bytes]", Control(KindDone).String())
}

func TestExpect(t *testing.T) {
	assert.NoError(t, Expect("AWAIT_START", Control(KindStart), KindStart))
	assert.ErrorIs(t, Expect("AWAIT_START", Control(KindTimeout), KindStart), ErrCancelled)

	err := Expect("AWAIT_START", Control(KindDone), KindStart)
	var ve *ViolationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindStart, ve.Expected)
	assert.Equal(t, KindDone, ve.Got)
	assert.Equal(t, "protocol violation in AWAIT_START: expected START, got DONE", err.Error())

	down, _ := NewLayerMessage(KindWeightsDown, 1, nil)
	assert.NoError(t, ExpectLayer("TRAINING", down, KindWeightsDown, 1))

	err = ExpectLayer("TRAINING", down, KindWeightsDown, 2)
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, err.Error(), "expected WEIGHTS_DOWN for layer 2, got layer 1")

	err = ExpectLayer("TRAINING", Control(KindDone), KindWeightsDown, 0)
	assert.Contains(t, err.Error(), "expected WEIGHTS_DOWN for layer 0, got DONE")
	assert.ErrorIs(t, ExpectLayer("TRAINING", Control(KindTimeout), KindWeightsDown, 0), ErrCancelled)
}
