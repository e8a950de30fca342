package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeIsFixed(t *testing.T) {
	assert.Equal(t, 16, Size)
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		sig   Signal
		extra int
	}{
		{name: "zero", sig: Signal{}},
		{name: "timestamp only", sig: Signal{KtimeNs: 1033}},
		{name: "max values", sig: Signal{KtimeNs: ^uint64(0), Buffer: ^uint64(0)}},
		{name: "trailing padding", sig: Signal{KtimeNs: 16_666_667, Buffer: 0x7f12345000}, extra: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Encode(nil, tt.sig)
			b = append(b, make([]byte, tt.extra)...)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.sig, got)
		})
	}
}

func TestDecodeUnaligned(t *testing.T) {
	buf := make([]byte, 1, 1+Size)
	buf = Encode(buf, Signal{KtimeNs: 42, Buffer: 7})

	got, err := Decode(buf[1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.KtimeNs)
	assert.Equal(t, uint64(7), got.Buffer)
}

func TestDecodeTruncated(t *testing.T) {
	full := Encode(nil, Signal{KtimeNs: 1000, Buffer: 1})
	for n := 0; n < Size; n++ {
		_, err := Decode(full[:n])
		assert.ErrorIs(t, err, ErrTruncatedRecord, "length %d", n)
	}
}

func TestDecodeNil(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncatedRecord)
}
