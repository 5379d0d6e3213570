package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. PINGRELAY_CONSUMER_POLICY.
const EnvPrefix = "PINGRELAY"

type Config struct {
	FIFO     string   `json:"fifo" yaml:"fifo"`
	LogLevel string   `json:"log_level" yaml:"log_level" split_words:"true"`
	Probe    Probe    `json:"probe" yaml:"probe"`
	Consumer Consumer `json:"consumer" yaml:"consumer"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`
}

type Probe struct {
	// Kind is exec for the system ping binary, icmp for the built in pinger or
	// tcp for handshake latency against Target as host:port.
	Kind      string   `json:"kind" yaml:"kind"`
	Mode      string   `json:"mode" yaml:"mode"`
	Command   string   `json:"command" yaml:"command"`
	Args      []string `json:"args" yaml:"args"`
	KillGrace Interval `json:"kill_grace" yaml:"kill_grace" split_words:"true"`

	Target     string   `json:"target" yaml:"target"`
	Interface  string   `json:"interface" yaml:"interface"`
	Interval   Interval `json:"interval" yaml:"interval"`
	Timeout    Interval `json:"timeout" yaml:"timeout"`
	Count      int      `json:"count" yaml:"count"`
	Size       int      `json:"size" yaml:"size"`
	TTL        int      `json:"ttl" yaml:"ttl"`
	Privileged bool     `json:"privileged" yaml:"privileged"`
}

type Consumer struct {
	Policy  string   `json:"policy" yaml:"policy"`
	Window  int      `json:"window" yaml:"window"`
	Backoff Interval `json:"backoff" yaml:"backoff"`
}

type Metrics struct {
	// Listen enables the Prometheus endpoint when set, e.g. ":9469".
	Listen string `json:"listen" yaml:"listen"`
	Path   string `json:"path" yaml:"path"`
}

func Default() *Config {
	return &Config{
		FIFO:     "/tmp/ping_fifo",
		LogLevel: "info",
		Probe: Probe{
			Kind:      "exec",
			Mode:      "pipe",
			Command:   "ping",
			KillGrace: Interval{2 * time.Second},
			Interval:  Interval{time.Second},
			Timeout:   Interval{time.Second},
			Size:      56,
			TTL:       64,
		},
		Consumer: Consumer{
			Policy:  "stream",
			Window:  10,
			Backoff: Interval{100 * time.Millisecond},
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
	}
}

// Load reads a JSON or, by extension, YAML file on top of the defaults.
func Load(path string) (cfg *Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	cfg = Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	return
}

// LoadEnv applies PINGRELAY_* overrides to cfg.
func (cfg *Config) LoadEnv() error {
	return errors.Wrap(envconfig.Process(EnvPrefix, cfg), "environment")
}

// Resolve layers defaults, the optional file at path and the environment,
// then validates the result.
func Resolve(path string) (cfg *Config, err error) {
	cfg = Default()
	if path != "" {
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	if err = cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return
}

func (cfg *Config) Validate() error {
	if cfg.FIFO == "" {
		return errors.New("fifo path is empty")
	}
	switch cfg.Probe.Kind {
	case "exec", "icmp", "tcp":
	default:
		return errors.Errorf("unknown probe kind %q", cfg.Probe.Kind)
	}
	switch cfg.Probe.Mode {
	case "", "pipe", "redirect":
	default:
		return errors.Errorf("unknown probe mode %q", cfg.Probe.Mode)
	}
	switch cfg.Consumer.Policy {
	case "", "stream", "batch":
	default:
		return errors.Errorf("unknown consumer policy %q", cfg.Consumer.Policy)
	}
	if cfg.Consumer.Window < 1 {
		return errors.Errorf("window must hold at least one sample, got %d", cfg.Consumer.Window)
	}
	if cfg.Consumer.Backoff.Duration < 0 {
		return errors.New("backoff is negative")
	}
	return nil
}

type Interval struct {
	time.Duration
}

func (d *Interval) UnmarshalJSON(data []byte) (err error) {
	var pstr string
	err = json.Unmarshal(data, &pstr)
	if err != nil {
		return err
	}
	d.Duration, err = time.ParseDuration(pstr)
	return
}

func (d Interval) MarshalJSON() (data []byte, err error) {
	return json.Marshal(d.Duration.String())
}

func (d *Interval) UnmarshalYAML(value *yaml.Node) (err error) {
	var pstr string
	if err = value.Decode(&pstr); err != nil {
		return err
	}
	d.Duration, err = time.ParseDuration(pstr)
	return
}

func (d Interval) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Decode lets envconfig parse durations such as "250ms".
func (d *Interval) Decode(value string) (err error) {
	d.Duration, err = time.ParseDuration(value)
	return
}
