// Package driver turns Envoy readings into weewx LOOP packets.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nergy-se/envoy/pkg/alarm"
	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/nergy-se/envoy/pkg/api/v1/meter"
	"github.com/nergy-se/envoy/pkg/envoy"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/nergy-se/envoy/pkg/version"
	"github.com/sirupsen/logrus"
)

var ErrRetriesExceeded = errors.New("max retries exceeded")

// Source is the Envoy API used by the driver.
type Source interface {
	Production(ctx context.Context) (*envoy.Production, error)
	Inverters(ctx context.Context) ([]envoy.Inverter, error)
}

type Driver struct {
	src    Source
	grid   meter.Reader
	alarms *alarm.ActiveAlarms

	model           string
	maxTries        int
	retryWait       time.Duration
	pollingInterval time.Duration
	inverters       bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	lastTotal map[string]float64
	panels    map[string]int // inverter serial -> panel index
}

type Option func(*Driver)

func WithGridMeter(r meter.Reader) Option {
	return func(d *Driver) {
		d.grid = r
	}
}

func WithAlarms(a *alarm.ActiveAlarms) Option {
	return func(d *Driver) {
		d.alarms = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Driver) {
		d.sleep = sleep
	}
}

func New(cfg *config.Config, src Source, opts ...Option) *Driver {
	logrus.Infof("envoy: driver version is %s", version.DriverVersion)
	d := &Driver{
		src:             src,
		alarms:          &alarm.ActiveAlarms{},
		model:           cfg.Model,
		maxTries:        cfg.MaxTries,
		retryWait:       cfg.RetryDuration(),
		pollingInterval: cfg.PollingDuration(),
		inverters:       cfg.Inverters,
		now:             time.Now,
		sleep:           sleep,
		lastTotal:       make(map[string]float64),
		panels:          make(map[string]int),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) HardwareName() string {
	return d.model
}

func (d *Driver) Alarms() *alarm.ActiveAlarms {
	return d.alarms
}

// GenLoopPackets polls the Envoy until ctx is done, calling yield with each
// packet. Consecutive failures are retried up to max tries after which an
// error wrapping ErrRetriesExceeded is returned. An error from yield stops
// the loop and is returned as is.
func (d *Driver) GenLoopPackets(ctx context.Context, yield func(*packet.Packet) error) error {
	ntries := 0
	for ntries < d.maxTries {
		ntries++
		p, err := d.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logrus.Errorf("envoy: Failed attempt %d of %d to get LOOP data: %s", ntries, d.maxTries, err)
			d.alarms.Add(fmt.Sprintf("failed to get LOOP data: %s", err))
			logrus.Debugf("envoy: Waiting %s before retry", d.retryWait)
			if err := d.sleep(ctx, d.retryWait); err != nil {
				return err
			}
			continue
		}
		ntries = 0
		if err := yield(p); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.pollingInterval); err != nil {
			return err
		}
	}
	err := fmt.Errorf("%w (%d) for LOOP data", ErrRetriesExceeded, d.maxTries)
	logrus.Errorf("envoy: %s", err)
	return err
}

// Poll reads the Envoy once and maps the result to a loop packet.
// Failing to read inverters or the grid meter only raises an alarm.
func (d *Driver) Poll(ctx context.Context) (*packet.Packet, error) {
	prod, err := d.src.Production(ctx)
	if err != nil {
		return nil, err
	}
	d.alarms.Clear()
	logrus.Debugf("envoy: data: %s", asJSON(prod))

	var inverters []envoy.Inverter
	if d.inverters {
		inverters, err = d.src.Inverters(ctx)
		if err != nil {
			logrus.Warnf("envoy: inverters: %s", err)
			d.alarms.Add(fmt.Sprintf("failed to get inverter data: %s", err))
		}
	}

	var grid *meter.Data
	if d.grid != nil {
		grid, err = d.grid.Read(ctx)
		if err != nil {
			logrus.Warnf("envoy: grid meter: %s", err)
			d.alarms.Add(fmt.Sprintf("failed to read grid meter: %s", err))
			grid = nil
		}
	}

	p := d.SensorsToFields(prod, inverters, grid, d.now())
	logrus.Debugf("envoy: mapped to fields: %s", p)
	return p, nil
}

func (d *Driver) SensorsToFields(prod *envoy.Production, inverters []envoy.Inverter, grid *meter.Data, now time.Time) *packet.Packet {
	p := packet.New(now.Add(500 * time.Millisecond).Unix())
	p.Power = copyFloat(prod.WattsNow)
	p.EnergyTotal = copyFloat(prod.WattHoursLifetime)

	d.mu.Lock()
	defer d.mu.Unlock()

	p.Energy = d.delta("energy", p.EnergyTotal)

	// new inverters get panel indexes in ascending serial order
	sorted := make([]envoy.Inverter, len(inverters))
	copy(sorted, inverters)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SerialNumber < sorted[j].SerialNumber
	})
	for _, inv := range sorted {
		idx := d.panelIndex(inv.SerialNumber)
		if idx == 0 {
			continue
		}
		_ = p.Set(packet.PanelField("power", idx), inv.LastReportWatts)
	}

	if grid != nil {
		p.GridPower = packet.Pointer(grid.Current_W)
		p.GridEnergyTotal = packet.Pointer(grid.Total_WH)
		p.GridEnergy = d.delta("grid_energy", p.GridEnergyTotal)
	}
	return p
}

// panelIndex returns the index of serial, assigning the lowest free one
// on first sight. Returns 0 when all panel slots are taken.
func (d *Driver) panelIndex(serial string) int {
	if idx, ok := d.panels[serial]; ok {
		return idx
	}
	used := make(map[int]bool, len(d.panels))
	for _, idx := range d.panels {
		used[idx] = true
	}
	for idx := 1; idx <= packet.MaxPanels; idx++ {
		if !used[idx] {
			d.panels[serial] = idx
			return idx
		}
	}
	logrus.Debugf("envoy: no panel slot left for inverter %s", serial)
	return 0
}

func (d *Driver) delta(label string, total *float64) *float64 {
	var last *float64
	if v, ok := d.lastTotal[label]; ok {
		last = &v
	}
	delta := CalculateDelta(label, total, last)
	if total != nil {
		d.lastTotal[label] = *total
	}
	return delta
}

// CalculateDelta returns thisTotal - lastTotal. A counter that went
// backwards yields nil.
func CalculateDelta(label string, thisTotal, lastTotal *float64) *float64 {
	switch {
	case thisTotal == nil:
		logrus.Debugf("envoy: no delta for %s: no total", label)
		return nil
	case lastTotal == nil:
		logrus.Debugf("envoy: no delta for %s: no last total", label)
		return nil
	case *thisTotal >= *lastTotal:
		return packet.Pointer(*thisTotal - *lastTotal)
	}
	logrus.Errorf("envoy: bogus %s: %g < %g", label, *thisTotal, *lastTotal)
	return nil
}

// Totals returns copies of the running totals and the panel mapping.
func (d *Driver) Totals() (map[string]float64, map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	totals := make(map[string]float64, len(d.lastTotal))
	for k, v := range d.lastTotal {
		totals[k] = v
	}
	panels := make(map[string]int, len(d.panels))
	for k, v := range d.panels {
		panels[k] = v
	}
	return totals, panels
}

// Restore sets the running totals and the panel mapping, e.g. from a checkpoint.
func (d *Driver) Restore(totals map[string]float64, panels map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range totals {
		d.lastTotal[k] = v
	}
	for k, v := range panels {
		if v < 1 || v > packet.MaxPanels {
			continue
		}
		d.panels[k] = v
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	return packet.Pointer(*f)
}

func asJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
