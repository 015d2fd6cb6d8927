package mbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonaz/gombus"
	"github.com/nergy-se/envoy/pkg/api/v1/meter"
)

const ModelGaro = "garo-GNM3D-MBUS"

// Mbus reads a grid meter over a wired M-Bus serial master.
type Mbus struct {
	device    string
	model     string
	primaryID string

	conn  gombus.Conn
	mutex *sync.Mutex
}

func New(device, model, primaryID string) *Mbus {
	return &Mbus{
		device:    device,
		model:     model,
		primaryID: primaryID,
		mutex:     &sync.Mutex{},
	}
}

func (m *Mbus) init() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.conn != nil {
		return nil
	}
	c, err := gombus.DialSerial(m.device)
	if err != nil {
		return err
	}
	m.conn = c
	return nil
}

func (m *Mbus) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

func (m *Mbus) Read(ctx context.Context) (*meter.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := m.init()
	if err != nil {
		return nil, err
	}
	id, err := strconv.Atoi(m.primaryID)
	if err != nil {
		return nil, err
	}

	frame, err := m.read(id)
	if err != nil {
		// a half read frame leaves the line in an unknown state
		m.Close()
		return nil, err
	}

	values := make([]float64, len(frame.DataRecords))
	for i := range frame.DataRecords {
		values[i] = frame.DataRecords[i].Value
	}

	data := &meter.Data{
		Id:    m.primaryID,
		Model: m.model,
		Time:  time.Now(),
	}
	return data, decode(data, values)
}

// decode maps the data record values of a REQ_UD2 response by meter model.
// Unknown models have the lifetime energy in record 0 and power in record 1.
func decode(data *meter.Data, values []float64) error {
	switch data.Model {
	case ModelGaro:
		if len(values) < 11 {
			return fmt.Errorf("%s: expected 11 data records got %d", data.Model, len(values))
		}
		data.Total_WH = values[0]
		data.Current_W = values[2]
		data.Current_VLL = values[6]
		data.Current_VLN = values[7]
		data.L1_A = values[8]
		data.L2_A = values[9]
		data.L3_A = values[10]
	default:
		if len(values) < 2 {
			return fmt.Errorf("%s: expected 2 data records got %d", data.Model, len(values))
		}
		data.Total_WH = values[0]
		data.Current_W = values[1]
	}
	return nil
}

func (m *Mbus) read(primaryAddr int) (*gombus.DecodedFrame, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, err := m.conn.Write(gombus.SndNKE(uint8(primaryAddr)))
	if err != nil {
		return nil, err
	}

	err = m.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	if err != nil {
		return nil, err
	}

	_, err = gombus.ReadSingleCharFrame(m.conn)
	if err != nil {
		return nil, err
	}

	return gombus.ReadSingleFrame(m.conn, primaryAddr)
}
