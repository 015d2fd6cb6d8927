package modbusclient

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModbus struct {
	modbus.Client
	holding map[uint16][]byte
	input   map[uint16][]byte
	err     error
	reads   []uint16
}

func (f *fakeModbus) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.reads = append(f.reads, address)
	if f.err != nil {
		return nil, f.err
	}
	return f.holding[address][:quantity*2], nil
}

func (f *fakeModbus) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.reads = append(f.reads, address)
	if f.err != nil {
		return nil, f.err
	}
	return f.input[address][:quantity*2], nil
}

func gridConfig() config.GridMeter {
	return config.GridMeter{
		Type:           config.GridMeterModbus,
		SlaveID:        1,
		PowerRegister:  10,
		PowerWords:     1,
		PowerScale:     10,
		EnergyRegister: 20,
		EnergyWords:    2,
		EnergyScale:    1,
	}
}

func TestMeterHoldingRegisters(t *testing.T) {
	fake := &fakeModbus{holding: map[uint16][]byte{
		10: {0xff, 0xe4},
		20: {0x00, 0x07, 0xda, 0xd5},
	}}
	closed := 0
	m := NewMeter(New(fake, func() error { closed++; return nil }), gridConfig())

	data, err := m.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -280.0, data.Current_W)
	assert.Equal(t, 514773.0, data.Total_WH)
	assert.Equal(t, "1", data.Id)
	assert.Equal(t, []uint16{10, 20}, fake.reads)

	assert.NoError(t, m.Close())
	assert.Equal(t, 1, closed)
}

func TestMeterInputRegisters(t *testing.T) {
	fake := &fakeModbus{input: map[uint16][]byte{
		10: {0x00, 0x1f},
		20: {0x00, 0x00, 0x00, 0x1f},
	}}
	cfg := gridConfig()
	cfg.InputRegisters = true
	cfg.EnergyScale = 0.5
	m := NewMeter(New(fake, func() error { return nil }), cfg)

	data, err := m.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 310.0, data.Current_W)
	assert.Equal(t, 15.5, data.Total_WH)
}

func TestMeterReconnectOnTimeout(t *testing.T) {
	fake := &fakeModbus{err: os.ErrDeadlineExceeded}
	closed := 0
	m := NewMeter(New(fake, func() error { closed++; return nil }), gridConfig())

	_, err := m.Read(context.Background())
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	assert.EqualError(t, err, "power: error reading address 10: i/o timeout")
	assert.Equal(t, 1, closed)
}
