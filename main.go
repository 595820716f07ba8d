package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gr-butler/fieldstation/backlog"
	"github.com/gr-butler/fieldstation/config"
	"github.com/gr-butler/fieldstation/env"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/gr-butler/fieldstation/station"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	logger "github.com/sirupsen/logrus"
)

const version = "GRB-FieldStation-1.0.0"

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Load configuration from `FILE`",
		EnvVars: []string{"FIELDSTATION_CONFIG"},
	}

	app := &cli.App{
		Name:    "fieldstation",
		Usage:   "environmental sensing station",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a measurement cycle for this boot",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:    "reset-cause",
						Aliases: []string{"r"},
						Value:   "auto",
						Usage:   "why the host booted (poweron, deepsleep, watchdog, ...). auto treats a valid schedule whose wake time has come as deepsleep",
						EnvVars: []string{"FIELDSTATION_RESET_CAUSE"},
					},
					&cli.BoolFlag{
						Name:  "loop",
						Usage: "keep cycling in process instead of exiting after one boot",
					},
					&cli.BoolFlag{
						Name:  "no-sleep",
						Usage: "wait in process instead of suspending the host",
					},
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "debug logging",
					},
				},
				Action: runAction,
			},
			{
				Name:   "state",
				Usage:  "print the persisted schedule",
				Flags:  []cli.Flag{configFlag},
				Action: stateAction,
			},
			{
				Name:   "backlog",
				Usage:  "print the readings waiting to be delivered",
				Flags:  []cli.Flag{configFlag},
				Action: backlogAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		logger.Exit(1)
	}
}

func argsFrom(c *cli.Context) env.Args {
	return env.Args{
		ConfigPath: c.String("config"),
		ResetCause: c.String("reset-cause"),
		Loop:       c.Bool("loop"),
		NoSleep:    c.Bool("no-sleep"),
		Verbose:    c.Bool("verbose"),
	}
}

func runAction(c *cli.Context) error {
	args := argsFrom(c)
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	if args.Verbose {
		level = logger.DebugLevel
	}
	logger.SetLevel(level)

	if args.ResetCause != "auto" {
		if _, err := schedule.ParseResetCause(args.ResetCause); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := build(cfg, args)
	if err != nil {
		return err
	}
	defer w.Close()

	cause := resetCause(args.ResetCause, w)
	logger.Infof("Starting field station [%v] after [%v]", version, cause)

	for {
		res, err := w.station.RunOneCycle(ctx, cause)
		if err != nil {
			if station.IsFatal(err) {
				w.led.Flicker(5)
				return cli.Exit(err.Error(), 1)
			}
			logger.Errorf("Cycle failed [%v]", err)
		}
		logger.Infof("Boot done [%v] next [%v] at [%v]", res.Wake, res.Next, res.WakeAt.UTC())

		if !args.Loop && args.NoSleep {
			return nil
		}
		if err := w.sleeper.SleepUntil(ctx, res.WakeAt); err != nil {
			if ctx.Err() != nil {
				logger.Info("Exiting...")
				return nil
			}
			return err
		}
		if !args.Loop {
			return nil
		}
		// every boot after the first is a timer wake
		cause = schedule.ResetDeepSleep
	}
}

// resetCause resolves --reset-cause. Without a cause from the host, "auto"
// lets a process restarted after rtcwake continue its schedule.
func resetCause(name string, w *wiring) schedule.ResetCause {
	if name != "auto" {
		cause, _ := schedule.ParseResetCause(name)
		return cause
	}
	st, valid, err := w.store.Load()
	if err != nil {
		logger.Warnf("Cannot read schedule to infer reset cause [%v]", err)
		return schedule.ResetUnknown
	}
	return w.scheduler.InferCause(st, valid, w.clock.Now())
}

func stateAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	st, valid, err := schedule.NewFileStore(afero.NewOsFs(), cfg.Station.StatePath).Load()
	if err != nil {
		return err
	}
	if !valid {
		fmt.Println("no valid schedule, next boot is UNEXPECTED")
		return nil
	}
	fmt.Println(st)
	return nil
}

func backlogAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	entries, err := backlog.New(afero.NewOsFs(), cfg.Station.BacklogPath).Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	fmt.Fprintf(os.Stderr, "%d readings waiting\n", len(entries))
	return nil
}
