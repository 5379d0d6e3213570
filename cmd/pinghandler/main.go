// Command pinghandler reads relayed ping output from the named pipe and
// prints live RTT statistics, or echoes whole ping runs in batch mode.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/config"
	"github.com/thetooth/ping-relay/consumer"
	"github.com/thetooth/ping-relay/fifo"
	"github.com/thetooth/ping-relay/lifecycle"
	"github.com/thetooth/ping-relay/statistics"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to relay configuration (JSON or YAML)")
	flag.String("fifo", "/tmp/ping_fifo", "Path to the relay FIFO")
	flag.String("policy", "stream", "Consumer policy: stream reports every sample, batch echoes whole runs")
	window := flag.Int("window", statistics.DefaultCapacity, "Number of samples in the statistics window")
	backoff := flag.Duration("backoff", consumer.DefaultBackoff, "Wait after the producer detached before reading again")
	flag.String("metrics.listen", "", "Address to serve Prometheus metrics on, disabled when empty")
	flag.String("log.level", "info", "Log level")
	flag.Parse()

	cfg, err := config.Resolve(configPath)
	if err != nil {
		logrus.Error("Unable to load configuration: ", err)
		return 1
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fifo":
			cfg.FIFO = f.Value.String()
		case "policy":
			cfg.Consumer.Policy = f.Value.String()
		case "window":
			cfg.Consumer.Window = *window
		case "backoff":
			cfg.Consumer.Backoff.Duration = *backoff
		case "metrics.listen":
			cfg.Metrics.Listen = f.Value.String()
		case "log.level":
			cfg.LogLevel = f.Value.String()
		}
	})
	if err := cfg.Validate(); err != nil {
		logrus.Error(err)
		return 1
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Error(err)
		return 1
	}
	logrus.SetLevel(level)

	policy, err := consumer.New(cfg.Consumer.Policy)
	if err != nil {
		logrus.Error(err)
		return 1
	}

	ctl := lifecycle.New(context.Background(), "pinghandler")
	ctl.Start()

	s := consumer.NewSession(cfg.FIFO, os.Stdout, ctl)
	s.Window = statistics.NewWindow(cfg.Consumer.Window)
	s.Backoff = cfg.Consumer.Backoff.Duration
	if s.Backoff == 0 {
		s.Backoff = time.Millisecond
	}

	if cfg.Metrics.Listen != "" {
		s.Metrics = true
		go func() {
			if err := statistics.Serve(ctl.Context(), cfg.Metrics.Listen, cfg.Metrics.Path); err != nil {
				logrus.Warn("Metrics server stopped: ", err)
			}
		}()
	}

	err = consumer.Run(s, policy)
	ctl.Shutdown()
	switch {
	case err == nil:
	case fifo.IsSetup(err):
		logrus.Error(err)
		return 1
	default:
		logrus.Warn("[ CONSUMER_FAIL ] ", err)
	}

	return 0
}
