package main

import (
	"github.com/benbjohnson/clock"
	"github.com/gr-butler/fieldstation/backlog"
	"github.com/gr-butler/fieldstation/bus"
	"github.com/gr-butler/fieldstation/config"
	"github.com/gr-butler/fieldstation/delivery"
	"github.com/gr-butler/fieldstation/env"
	"github.com/gr-butler/fieldstation/eventlog"
	"github.com/gr-butler/fieldstation/led"
	"github.com/gr-butler/fieldstation/rtc"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/gr-butler/fieldstation/sensors"
	"github.com/gr-butler/fieldstation/station"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// wiring is the station assembled from configuration.
type wiring struct {
	station   *station.Station
	store     schedule.Store
	scheduler *schedule.Scheduler
	clock     clock.Clock
	sleeper   station.Sleeper
	led       *led.LED
	closers   []func() error
}

func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			logger.Warnf("Close failed [%v]", err)
		}
	}
}

func build(cfg *config.Config, args env.Args) (*wiring, error) {
	w := &wiring{}
	fs := afero.NewOsFs()

	if cfg.Station.EventLogPath != "" {
		logger.AddHook(eventlog.NewHook(fs, cfg.Station.EventLogPath, env.EventLogMaxBytes))
	}

	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "host init")
	}

	i2cBus, err := i2creg.Open(cfg.Hardware.I2CBus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus [%v]", cfg.Hardware.I2CBus)
	}
	w.closers = append(w.closers, i2cBus.Close)
	regs := bus.NewRegisters(i2cBus, env.BusTimeout)

	w.led = led.ByName("status", cfg.Hardware.StatusLedPin, env.LEDFlashDuration)
	system := rtc.NewHostClock()
	ds3231 := rtc.NewDS3231(regs, cfg.Hardware.DS3231Address)

	var list []sensors.Sensor
	if cfg.Hardware.Enabled("atmosphere") {
		list = append(list, sensors.NewAtmosphere(i2cBus, cfg.Hardware.BME280Address))
	}
	if cfg.Hardware.Enabled("battery") {
		list = append(list, sensors.NewFuelGauge(regs, cfg.Hardware.MAX17043Address))
	}
	if cfg.Hardware.Enabled("particulate") {
		port, err := bus.OpenSerial(cfg.Hardware.SerialPort, 9600, env.SerialTimeout)
		if err != nil {
			// the other sensors still report
			logger.Errorf("Particulate sensor unavailable [%v]", err)
		} else {
			w.closers = append(w.closers, port.Close)
			list = append(list, sensors.NewParticulate(port, env.ParticulateFrames))
		}
	}
	if cfg.Hardware.Enabled("power") {
		list = append(list, sensors.NewPowerSource(gpioreg.ByName(cfg.Hardware.PowerPin), w.led))
	}
	if cfg.Hardware.Enabled("rtc") {
		list = append(list, sensors.NewClockTemperature(ds3231))
	}
	coordinator := sensors.NewCoordinator(list, system, cfg.Station.DeadlinePoll(), cfg.Station.Window())

	authority := rtc.NewAuthority(rtc.Config{
		SyncTimeout:    cfg.Time.SyncTimeout(),
		ResyncInterval: cfg.Time.ResyncInterval(),
	}, ds3231, &rtc.NTP{Server: cfg.Time.NTPServer}, system)

	store := schedule.NewFileStore(fs, cfg.Station.StatePath)
	scheduler := schedule.NewScheduler(schedule.Config{
		Window:          cfg.Station.Window(),
		SensorReadyLead: cfg.Station.SensorReadyLead(),
		BootDelay:       cfg.Station.BootDelay(),
		CommitAttempts:  env.CommitAttempts,
		CommitBackoff:   env.CommitBackoff,
	}, system)

	queue := backlog.New(fs, cfg.Station.BacklogPath)

	var connector delivery.Connector
	switch cfg.Broker.Transport {
	case "http":
		connector = &delivery.HTTPConnector{
			URI:          cfg.Broker.URI,
			StationID:    cfg.Station.ID,
			AuthKey:      cfg.Broker.AuthKey,
			SoftwareType: version,
		}
	default:
		connector = &delivery.MQTTConnector{
			URI:      cfg.Broker.URI,
			ClientID: cfg.Broker.ClientID,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			Timeout:  cfg.Broker.ConnectTimeout(),
		}
	}
	var link delivery.WiFi = delivery.Wired{}
	if cfg.WiFi.SSID != "" {
		link = delivery.NewNMCLI(cfg.WiFi.Interface)
	}
	pipeline := delivery.NewPipeline(delivery.Config{
		Topic:          cfg.Broker.Topic,
		QoS:            byte(cfg.Broker.QoS),
		WiFiTimeout:    cfg.WiFi.ConnectTimeout(),
		ConnectTimeout: cfg.Broker.ConnectTimeout(),
		PublishTimeout: cfg.Broker.PublishTimeout(),
	}, cfg.WiFi, link, connector, queue)

	var metrics *station.Metrics
	if cfg.Station.MetricsPath != "" {
		metrics = station.NewMetrics(cfg.Station.MetricsPath)
	}

	w.store, w.scheduler, w.clock = store, scheduler, system
	w.station = station.New(store, scheduler, authority, coordinator, pipeline, queue, metrics)
	pipeline.OnNetworkUp = w.station.NetworkUp

	if cfg.Broker.Transport == "mqtt" {
		msgs, err := announcements(cfg, list)
		if err != nil {
			return nil, err
		}
		w.station.SetAnnouncements(msgs)
	}

	if args.NoSleep || !cfg.Station.SuspendWithRTCWake {
		w.sleeper = station.Loop{Clock: system}
	} else {
		w.sleeper = station.NewRTCWake(system)
	}
	return w, nil
}

// announcements builds the discovery messages for every sensor that can
// describe itself. Entities expire after three missed windows.
func announcements(cfg *config.Config, list []sensors.Sensor) ([]delivery.Message, error) {
	var items []sensors.Discovery
	for _, s := range list {
		if d, ok := s.(sensors.Discoverer); ok {
			items = append(items, d.Discovery()...)
		}
	}
	return delivery.Discovery(cfg.Broker.DiscoveryPrefix, cfg.Station.ID, cfg.Broker.Topic,
		byte(cfg.Broker.QoS), 3*cfg.Station.WindowSeconds, items)
}
