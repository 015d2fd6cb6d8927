package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nergy-se/envoy/pkg/accum"
	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/nergy-se/envoy/pkg/api/v1/meter"
	"github.com/nergy-se/envoy/pkg/archive"
	"github.com/nergy-se/envoy/pkg/checkpoint"
	"github.com/nergy-se/envoy/pkg/driver"
	"github.com/nergy-se/envoy/pkg/envoy"
	"github.com/nergy-se/envoy/pkg/mbus"
	"github.com/nergy-se/envoy/pkg/modbusclient"
	"github.com/nergy-se/envoy/pkg/mqtt"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/nergy-se/envoy/pkg/status"
	"github.com/sirupsen/logrus"
)

type App struct {
	wg     *sync.WaitGroup
	config *config.Config
	now    func() time.Time

	driver     *driver.Driver
	grid       meter.Reader
	archive    *archive.Archive
	broker     *mqtt.Broker
	status     *status.Server
	extractors map[string]accum.Extractor

	loop   *packet.Cache
	record *packet.Cache
	accum  *accum.Accumulator

	err error
}

func New(config *config.Config) *App {
	return &App{
		wg:     &sync.WaitGroup{},
		config: config,
		now:    time.Now,
		loop:   &packet.Cache{},
		record: &packet.Cache{},
	}
}

func (a *App) Start(ctx context.Context) error {
	m, err := a.config.Extractors()
	if err != nil {
		return err
	}
	a.extractors, err = accum.ParseExtractors(m)
	if err != nil {
		return err
	}

	src := envoy.New(a.config.Host, envoy.WithCredentials(envoy.DigestUser, a.config.DigestPassword()))
	var opts []driver.Option
	a.grid = newGridMeter(a.config.GridMeter)
	if a.grid != nil {
		opts = append(opts, driver.WithGridMeter(a.grid))
	}
	a.driver = driver.New(a.config, src, opts...)

	if a.config.StateFile != "" {
		state, err := checkpoint.Load(a.config.StateFile)
		if err != nil {
			return err
		}
		a.driver.Restore(state.Totals, state.Panels)
	}

	var statusArchive status.Archive
	if a.config.Database != "" {
		a.archive, err = archive.Open(ctx, a.config.Database)
		if err != nil {
			return fmt.Errorf("error opening archive %s: %w", a.config.Database, err)
		}
		statusArchive = a.archive
	}

	ctx, cancel := context.WithCancel(ctx)

	if a.config.MQTTAddress != "" {
		a.broker, err = mqtt.Start(ctx, a.wg, a.config.MQTTAddress)
		if err != nil {
			cancel()
			a.closeGrid()
			a.close()
			return fmt.Errorf("error starting mqtt broker: %w", err)
		}
	}

	a.status = status.New(a.config.HTTPListen, a.loop, statusArchive, a.driver.Alarms(), a.driver.HardwareName())
	if a.config.HTTPListen != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := a.status.Run(ctx)
			if err != nil {
				logrus.Error(err)
			}
		}()
	}

	packets := make(chan *packet.Packet)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.err = a.runDriver(ctx, packets)
	}()
	go a.mainLoop(ctx, packets)
	return nil
}

// runDriver feeds loop packets to packets until the driver stops. The grid
// meter is closed here since only the driver reads it.
func (a *App) runDriver(ctx context.Context, packets chan<- *packet.Packet) error {
	defer a.closeGrid()
	err := a.driver.GenLoopPackets(ctx, func(p *packet.Packet) error {
		select {
		case packets <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Wait blocks until everything has stopped and returns the reason the
// driver gave up, if any.
func (a *App) Wait() error {
	a.wg.Wait()
	return a.err
}

// Handler is the status API.
func (a *App) Handler() http.Handler {
	return a.status.Handler()
}

// Latest returns the latest loop packet.
func (a *App) Latest() *packet.Packet {
	return a.loop.Get()
}

// LatestRecord returns the latest archive record.
func (a *App) LatestRecord() *packet.Packet {
	return a.record.Get()
}

func (a *App) mainLoop(ctx context.Context, packets <-chan *packet.Packet) {
	defer a.wg.Done()
	defer a.close()
	interval := a.config.ArchiveDuration()
	timer := time.NewTimer(nextDelay(a.now(), interval))
	defer timer.Stop()
	for {
		select {
		case p := <-packets:
			a.handleLoop(ctx, p)
		case <-timer.C:
			timer.Reset(nextDelay(a.now(), interval))
			a.flush(ctx, a.now())
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) handleLoop(ctx context.Context, p *packet.Packet) {
	a.loop.Set(p)
	if a.broker != nil {
		err := a.broker.PublishLoop(a.config.MQTTTopic, p)
		if err != nil {
			logrus.Errorf("mqtt: error publishing loop packet: %s", err)
		}
	}
	a.saveCheckpoint(p.DateTime)

	if a.accum != nil && p.DateTime > a.accum.End().Unix() {
		a.emit(ctx)
	}
	if a.accum == nil {
		a.accum = accum.ForPacket(p.DateTime, a.config.ArchiveDuration(), a.extractors)
	}
	err := a.accum.Add(p)
	if err != nil {
		logrus.Warnf("envoy: ignoring loop packet: %s", err)
	}
}

// flush emits the archive record if its interval has ended at now.
func (a *App) flush(ctx context.Context, now time.Time) {
	if a.accum == nil || now.Before(a.accum.End()) {
		return
	}
	a.emit(ctx)
}

func (a *App) emit(ctx context.Context) {
	rec := a.accum.Record()
	a.accum = nil
	if rec == nil {
		return
	}
	logrus.Debugf("envoy: archive record: %s", rec)
	a.record.Set(rec)
	if a.archive != nil {
		err := a.archive.Add(ctx, rec)
		if errors.Is(err, archive.ErrDuplicate) {
			logrus.Warnf("envoy: %s", err)
		} else if err != nil {
			logrus.Errorf("envoy: %s", err)
		}
	}
	if a.broker != nil {
		err := a.broker.PublishArchive(a.config.MQTTTopic, rec)
		if err != nil {
			logrus.Errorf("mqtt: error publishing archive record: %s", err)
		}
	}
}

func (a *App) saveCheckpoint(ts int64) {
	if a.config.StateFile == "" {
		return
	}
	totals, panels := a.driver.Totals()
	err := checkpoint.Save(a.config.StateFile, &checkpoint.State{
		Time:   ts,
		Totals: totals,
		Panels: panels,
	})
	if err != nil {
		logrus.Errorf("checkpoint: %s", err)
	}
}

func (a *App) closeGrid() {
	if a.grid != nil {
		if err := a.grid.Close(); err != nil {
			logrus.Errorf("grid meter: error closing: %s", err)
		}
	}
}

func (a *App) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logrus.Errorf("archive: error closing: %s", err)
		}
	}
}

func newGridMeter(cfg config.GridMeter) meter.Reader {
	switch cfg.Type {
	case config.GridMeterModbus:
		return modbusclient.NewTCPMeter(cfg)
	case config.GridMeterMbus:
		return mbus.New(cfg.Device, cfg.Model, cfg.PrimaryID)
	}
	return nil
}
