package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCodecs(t *testing.T) {
	t.Parallel()

	cborCodec, err := NewCBORHeaderCodec()
	require.NoError(t, err)

	codecs := []HeaderCodec{JSONHeaderCodec{}, cborCodec}
	headers := map[string]string{
		HeaderMessageID: "f6f1c1c4",
		"empty":         "",
		"unicode":       "æøå ✓",
	}

	for _, codec := range codecs {
		t.Run(codec.ContentType(), func(t *testing.T) {
			t.Parallel()

			data, err := codec.Encode(headers)
			require.NoError(t, err)

			decoded, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, headers, decoded)

			_, err = codec.Decode([]byte{0xff, 0x00, '{'})
			require.Error(t, err)

			data, err = codec.Encode(nil)
			require.NoError(t, err)

			decoded, err = codec.Decode(data)
			require.NoError(t, err)
			assert.Empty(t, decoded)
		})
	}
}

func TestJSONHeaderCodec_Format(t *testing.T) {
	t.Parallel()

	data, err := JSONHeaderCodec{}.Encode(map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(data))
}

func TestCBORHeaderCodec_Deterministic(t *testing.T) {
	t.Parallel()

	codec, err := NewCBORHeaderCodec()
	require.NoError(t, err)

	headers := map[string]string{"b": "2", "a": "1", "c": "3"}

	first, err := codec.Encode(headers)
	require.NoError(t, err)

	for range 10 {
		again, err := codec.Encode(headers)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHeaderCodecFor(t *testing.T) {
	t.Parallel()

	c, err := HeaderCodecFor("")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	c, err = HeaderCodecFor("cbor")
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", c.ContentType())

	_, err = HeaderCodecFor("xml")
	require.Error(t, err)
}
