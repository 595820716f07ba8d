package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gr-butler/fieldstation/collector"
	"github.com/gr-butler/fieldstation/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const version = "fieldstation-collector-1.0.0"

func main() {
	app := &cli.App{
		Name:    "collector",
		Usage:   "store readings sent by field stations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"FIELDSTATION_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "topic",
				Value: "fieldstation/+/reading",
				Usage: "MQTT topic filter to subscribe to",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorf("Collector stopped [%v]", err)
		logger.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.SetLevel(level)
	logger.Infof("Starting collector [%v]", version)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.DSN == "" {
		return errors.New("database dsn must be set")
	}
	store, err := collector.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	col := collector.New(store, prometheus.DefaultRegisterer)
	col.AuthKey = cfg.Database.AuthKey
	if col.AuthKey == "" {
		col.AuthKey = cfg.Broker.AuthKey
	}
	if col.AuthKey == "" {
		logger.Warn("No auth key configured, /ingest accepts uploads for any station")
	}

	if cfg.Broker.Transport == "mqtt" {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.Broker.URI).
			SetClientID(cfg.Broker.ClientID + "-collector").
			SetCleanSession(false).
			SetAutoReconnect(true).
			SetOrderMatters(false)
		if cfg.Broker.Username != "" {
			opts.SetUsername(cfg.Broker.Username).SetPassword(cfg.Broker.Password)
		}
		topic := c.String("topic")
		qos := byte(cfg.Broker.QoS)
		opts.SetOnConnectHandler(func(client mqtt.Client) {
			if err := col.Subscribe(client, topic, qos); err != nil {
				logger.Errorf("Failed to subscribe [%v] [%v]", topic, err)
				return
			}
			logger.Infof("Subscribed to [%v]", topic)
		})
		client := mqtt.NewClient(opts)
		tok := client.Connect()
		if !tok.WaitTimeout(cfg.Broker.ConnectTimeout()) {
			return errors.Errorf("connect [%v] timed out", cfg.Broker.URI)
		}
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, "connect [%v]", cfg.Broker.URI)
		}
		defer client.Disconnect(250)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ingest", col)
	srv := &http.Server{Addr: cfg.Database.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Serving on [%v]", cfg.Database.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Info("Exiting...")
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
