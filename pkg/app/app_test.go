package app

import (
	"context"
	"sync"
	"path/filepath"
	"testing"
	"time"

	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/nergy-se/envoy/pkg/api/v1/meter"
	"github.com/nergy-se/envoy/pkg/archive"
	"github.com/nergy-se/envoy/pkg/checkpoint"
	"github.com/nergy-se/envoy/pkg/driver"
	"github.com/nergy-se/envoy/pkg/envoy"
	"github.com/nergy-se/envoy/pkg/mbus"
	"github.com/nergy-se/envoy/pkg/modbusclient"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *App {
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Host = "127.0.0.1"
	cfg.Serial = "121703012345"
	cfg.StateFile = filepath.Join(t.TempDir(), "state.yaml")
	cfg.Database = ""

	a := New(cfg)
	a.driver = driver.New(cfg, nil)
	return a
}

func loop(ts int64, power float64, energy *float64) *packet.Packet {
	p := packet.New(ts)
	p.Power = packet.Pointer(power)
	p.Energy = energy
	return p
}

func TestNextDelay(t *testing.T) {
	assert.Equal(t, 192*time.Second, nextDelay(time.Unix(1500000123, 0), 5*time.Minute))
	assert.Equal(t, 315*time.Second, nextDelay(time.Unix(1500000300, 0), 5*time.Minute))
	assert.Equal(t, 15*time.Second+500*time.Millisecond, nextDelay(time.Unix(1500000599, 500000000), 5*time.Minute))
}

func TestHandleLoopRollover(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	var err error
	a.archive, err = archive.Open(ctx, filepath.Join(t.TempDir(), "envoy.sdb"))
	require.NoError(t, err)
	defer a.archive.Close()

	a.handleLoop(ctx, loop(1500000001, 1000, nil))
	a.handleLoop(ctx, loop(1500000200, 2000, packet.Pointer(10.0)))
	assert.Nil(t, a.LatestRecord())
	assert.Equal(t, int64(1500000200), a.Latest().DateTime)

	a.handleLoop(ctx, loop(1500000301, 500, packet.Pointer(5.0)))
	rec := a.LatestRecord()
	require.NotNil(t, rec)
	assert.Equal(t, int64(1500000300), rec.DateTime)
	assert.Equal(t, 5, *rec.Interval)
	assert.Equal(t, 1500.0, *rec.Power)
	assert.Equal(t, 10.0, *rec.Energy)

	stored, err := a.archive.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	// the timer flushes the open interval once it has ended
	a.flush(ctx, time.Unix(1500000599, 0))
	assert.Equal(t, int64(1500000300), a.LatestRecord().DateTime)
	a.flush(ctx, time.Unix(1500000615, 0))
	assert.Equal(t, int64(1500000600), a.LatestRecord().DateTime)
	assert.Nil(t, a.accum)

	recs, err := a.archive.Range(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestHandleLoopSavesCheckpoint(t *testing.T) {
	a := testApp(t)
	a.driver.Restore(map[string]float64{"energy": 619629}, map[string]int{"121603012345": 1})

	a.handleLoop(context.Background(), loop(1500000001, 1000, nil))

	state, err := checkpoint.Load(a.config.StateFile)
	require.NoError(t, err)
	assert.Equal(t, int64(1500000001), state.Time)
	assert.Equal(t, map[string]float64{"energy": 619629}, state.Totals)
	assert.Equal(t, map[string]int{"121603012345": 1}, state.Panels)
}

func TestHandleLoopOldPacket(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	a.handleLoop(ctx, loop(1500000301, 1000, nil))
	// clock went backwards, the packet is outside the open interval
	a.handleLoop(ctx, loop(1500000001, 3000, nil))
	a.flush(ctx, time.Unix(1500000615, 0))

	rec := a.LatestRecord()
	require.NotNil(t, rec)
	assert.Equal(t, int64(1500000600), rec.DateTime)
	assert.Equal(t, 1000.0, *rec.Power)
}

func TestNewGridMeter(t *testing.T) {
	assert.Nil(t, newGridMeter(config.GridMeter{}))
	assert.IsType(t, &modbusclient.Meter{}, newGridMeter(config.GridMeter{Type: config.GridMeterModbus, Address: "127.0.0.1:502"}))
	assert.IsType(t, &mbus.Mbus{}, newGridMeter(config.GridMeter{Type: config.GridMeterMbus}))
}

type fakeSource struct{}

func (fakeSource) Production(ctx context.Context) (*envoy.Production, error) {
	return &envoy.Production{WattsNow: packet.Pointer(1.0), WattHoursLifetime: packet.Pointer(100.0)}, nil
}

func (fakeSource) Inverters(ctx context.Context) ([]envoy.Inverter, error) {
	return nil, nil
}

type fakeGrid struct {
	mu             sync.Mutex
	closed         bool
	readAfterClose bool
	reads          int
}

func (f *fakeGrid) Read(ctx context.Context) (*meter.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.readAfterClose = true
	}
	f.reads++
	return &meter.Data{Current_W: 1, Total_WH: 1}, nil
}

func (f *fakeGrid) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRunDriverClosesGridMeter(t *testing.T) {
	a := testApp(t)
	grid := &fakeGrid{}
	a.grid = grid
	a.driver = driver.New(a.config, fakeSource{}, driver.WithGridMeter(grid))

	ctx, cancel := context.WithCancel(context.Background())
	packets := make(chan *packet.Packet)
	done := make(chan error)
	go func() {
		done <- a.runDriver(ctx, packets)
	}()

	select {
	case p := <-packets:
		assert.Equal(t, 1.0, *p.GridPower)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for loop packet")
	}

	// the main loop shutting down must not close the meter under the driver
	a.close()
	grid.mu.Lock()
	assert.False(t, grid.closed)
	grid.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for driver to stop")
	}

	grid.mu.Lock()
	defer grid.mu.Unlock()
	assert.True(t, grid.closed)
	assert.False(t, grid.readAfterClose)
	assert.Equal(t, 1, grid.reads)
}
