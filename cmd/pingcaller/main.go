// Command pingcaller runs ping and relays its output into the named pipe
// read by pinghandler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/ping-relay/config"
	"github.com/thetooth/ping-relay/lifecycle"
	"github.com/thetooth/ping-relay/probe"
	"github.com/thetooth/ping-relay/producer"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to relay configuration (JSON or YAML)")
	flag.String("fifo", "/tmp/ping_fifo", "Path to the relay FIFO")
	flag.String("probe", "exec", "Probe kind: exec runs the ping binary, icmp pings in-process, tcp times handshakes")
	flag.String("mode", "pipe", "How exec probe output reaches the FIFO: pipe or redirect")
	flag.String("log.level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <ping arguments...>\n", os.Args[0])
		flag.PrintDefaults()
	}
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
		case "probe":
			cfg.Probe.Kind = f.Value.String()
		case "mode":
			cfg.Probe.Mode = f.Value.String()
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

	args := flag.Args()
	if len(args) == 0 {
		args = cfg.Probe.Args
	}
	p, err := newProbe(cfg.Probe, args)
	if err != nil {
		var ae *probe.ArgumentError
		if errors.As(err, &ae) {
			flag.Usage()
		}
		logrus.Error(err)
		return 1
	}

	ctl := lifecycle.New(context.Background(), "pingcaller")
	ctl.Start()

	err = producer.New(cfg.FIFO, p, ctl).Run()
	ctl.Shutdown()
	if err != nil {
		logrus.Error(err)
		return 1
	}

	return 0
}

func newProbe(cfg config.Probe, args []string) (probe.Probe, error) {
	target := cfg.Target
	if len(args) > 0 {
		target = args[len(args)-1]
	}

	switch cfg.Kind {
	case "tcp":
		return newTCP(probe.TCPConfig{
			Target:    target,
			Interface: cfg.Interface,
			Interval:  cfg.Interval.Duration,
			Timeout:   cfg.Timeout.Duration,
			Count:     cfg.Count,
		})
	case "icmp":
		return newICMP(probe.ICMPConfig{
			Target:     target,
			Interface:  cfg.Interface,
			Interval:   cfg.Interval.Duration,
			Timeout:    cfg.Timeout.Duration,
			Count:      cfg.Count,
			Size:       cfg.Size,
			TTL:        cfg.TTL,
			Privileged: cfg.Privileged,
		})
	}
	return newExec(cfg, args)
}

func newTCP(cfg probe.TCPConfig) (probe.Probe, error) {
	p, err := probe.NewTCP(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newICMP(cfg probe.ICMPConfig) (probe.Probe, error) {
	p, err := probe.NewICMP(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newExec(cfg config.Probe, args []string) (probe.Probe, error) {
	e, err := probe.NewExec(args, probe.Mode(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if cfg.Command != "" {
		e.Command = cfg.Command
	}
	if cfg.KillGrace.Duration > 0 {
		e.KillGrace = cfg.KillGrace.Duration
	}
	return e, nil
}
