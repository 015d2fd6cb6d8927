package modbusclient

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	var tests = []struct {
		name     string
		expected int
		given    []byte
	}{
		{
			name:     "16bit negative grid export",
			expected: -300,
			given:    []byte{0xfe, 0xd4},
		},
		{
			name:     "16bit positive",
			expected: 1200,
			given:    []byte{0x04, 0xb0},
		},
		{
			name:     "32bit lifetime energy",
			expected: 619629,
			given:    []byte{0x00, 0x09, 0x74, 0x6d},
		},
		{
			name:     "32bit above 16 bits",
			expected: 70000,
			given:    []byte{0x00, 0x01, 0x11, 0x70},
		},
		{
			name:     "32bit negative",
			expected: -70000,
			given:    []byte{0xff, 0xfe, 0xee, 0x90},
		},
		{
			name:     "odd length",
			expected: 0,
			given:    []byte{0x00, 0x01, 0x02},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Decode(tt.given))
		})
	}
}

func TestRead32(t *testing.T) {
	fake := &fakeModbus{
		holding: map[uint16][]byte{72: {0x00, 0x09, 0x74, 0x6d}},
		input:   map[uint16][]byte{40: {0xff, 0xfe, 0xee, 0x90}},
	}
	c := New(fake, func() error { return nil })

	v, err := c.ReadHoldingRegister32(72)
	require.NoError(t, err)
	assert.Equal(t, 619629, v)

	v, err = c.ReadInputRegister32(40)
	require.NoError(t, err)
	assert.Equal(t, -70000, v)

	v, err = c.ReadInputRegister16(40)
	require.NoError(t, err)
	assert.Equal(t, -2, v)
}

func TestReconnectOnBrokenPipe(t *testing.T) {
	fake := &fakeModbus{err: syscall.EPIPE}
	closed := 0
	c := New(fake, func() error { closed++; return nil })

	_, err := c.ReadHoldingRegister32(72)
	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.Equal(t, 1, closed)

	fake.err = errors.New("modbus: exception '2' (illegal data address)")
	_, err = c.ReadInputRegister16(72)
	assert.Error(t, err)
	assert.Equal(t, 1, closed)
}
