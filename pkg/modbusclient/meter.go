package modbusclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/nergy-se/envoy/pkg/api/v1/meter"
)

// Register is a signed 16 or 32 bit value with a scale to W or Wh.
type Register struct {
	Address uint16
	Words   int
	Scale   float64
}

// Meter reads grid power and the lifetime energy counter from a modbus
// energy meter.
type Meter struct {
	client Client
	input  bool
	id     string
	power  Register
	energy Register
	now    func() time.Time
}

func NewMeter(c Client, cfg config.GridMeter) *Meter {
	return &Meter{
		client: c,
		input:  cfg.InputRegisters,
		id:     strconv.Itoa(cfg.SlaveID),
		power:  Register{Address: uint16(cfg.PowerRegister), Words: cfg.PowerWords, Scale: cfg.PowerScale},
		energy: Register{Address: uint16(cfg.EnergyRegister), Words: cfg.EnergyWords, Scale: cfg.EnergyScale},
		now:    time.Now,
	}
}

// NewTCPMeter connects to cfg.Address over modbus TCP.
func NewTCPMeter(cfg config.GridMeter) *Meter {
	return NewMeter(NewTCP(cfg.Address, cfg.SlaveID), cfg)
}

func (m *Meter) read(r Register) (float64, error) {
	var v int
	var err error
	switch {
	case m.input && r.Words == 2:
		v, err = m.client.ReadInputRegister32(r.Address)
	case m.input:
		v, err = m.client.ReadInputRegister16(r.Address)
	case r.Words == 2:
		v, err = m.client.ReadHoldingRegister32(r.Address)
	default:
		v, err = m.client.ReadHoldingRegister16(r.Address)
	}
	if err != nil {
		return 0, err
	}
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(v) * scale, nil
}

func (m *Meter) Read(ctx context.Context) (*meter.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	power, err := m.read(m.power)
	if err != nil {
		return nil, fmt.Errorf("power: %w", err)
	}
	energy, err := m.read(m.energy)
	if err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &meter.Data{
		Id:        m.id,
		Model:     "modbus",
		Time:      m.now(),
		Current_W: power,
		Total_WH:  energy,
	}, nil
}

func (m *Meter) Close() error {
	return m.client.Close()
}
