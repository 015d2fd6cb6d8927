package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/koding/multiconfig"
)

// MinPollingInterval is the shortest allowed polling interval. The
// inverters report every 5 minutes and polling the Envoy more often can
// stop it from uploading to Enphase.
const MinPollingInterval = 300

const (
	GridMeterNone   = ""
	GridMeterModbus = "modbus"
	GridMeterMbus   = "mbus"
)

type Config struct {
	Host   string
	Serial string
	Model  string `default:"Envoy-S"`

	MaxTries        int `default:"5"`
	RetryWait       int `default:"30"`
	PollingInterval int `default:"300"`
	ArchiveInterval int `default:"300"`

	// Inverters enables polling of per panel production.
	Inverters bool

	Database    string `default:"/var/lib/envoy/envoy.sdb"`
	StateFile   string `default:"/var/lib/envoy/state.yaml"`
	MQTTAddress string `default:":1883"`
	MQTTTopic   string `default:"envoy"`
	HTTPListen  string `default:":8080"`

	// Accumulator holds field=extractor pairs separated by comma.
	Accumulator string `default:"grid_energy=sum"`

	GridMeter GridMeter

	LogLevel string `default:"info"`
}

type GridMeter struct {
	Type string

	// modbus
	Address        string  `default:"127.0.0.1:502"`
	SlaveID        int     `default:"1"`
	PowerRegister  int     `default:"0"`
	PowerWords     int     `default:"1"`
	PowerScale     float64 `default:"1"`
	EnergyRegister int     `default:"0"`
	EnergyWords    int     `default:"2"`
	EnergyScale    float64 `default:"1"`
	InputRegisters bool

	// mbus
	Device    string `default:"/dev/ttyAMA0"`
	PrimaryID string `default:"1"`
	Model     string `default:"garo-GNM3D-MBUS"`
}

// Load reads the configuration from defaults, the optional file at path,
// environment and command line flags.
func Load(path string) (*Config, error) {
	c := &Config{}
	var loader *multiconfig.DefaultLoader
	if path != "" {
		loader = multiconfig.NewWithPath(path)
	} else {
		loader = multiconfig.New()
	}
	if err := loader.Load(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Defaults returns a config with only the struct tag defaults applied.
func Defaults() (*Config, error) {
	c := &Config{}
	err := (&multiconfig.TagLoader{}).Load(c)
	return c, err
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("unspecified parameter host")
	}
	if c.Serial == "" {
		return fmt.Errorf("unspecified parameter serial")
	}
	if c.PollingInterval < MinPollingInterval {
		return fmt.Errorf("polling_interval must be %d seconds or greater", MinPollingInterval)
	}
	if c.ArchiveInterval <= 0 {
		return fmt.Errorf("archive_interval must be positive")
	}
	if c.ArchiveInterval%60 != 0 {
		return fmt.Errorf("archive_interval must be a whole number of minutes")
	}
	if c.MaxTries <= 0 {
		return fmt.Errorf("max_tries must be positive")
	}
	if c.RetryWait < 0 {
		return fmt.Errorf("retry_wait must not be negative")
	}
	switch c.GridMeter.Type {
	case GridMeterNone, GridMeterModbus, GridMeterMbus:
	default:
		return fmt.Errorf("unknown grid meter type %q", c.GridMeter.Type)
	}
	if _, err := c.Extractors(); err != nil {
		return err
	}
	return nil
}

func (c *Config) PollingDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

func (c *Config) RetryDuration() time.Duration {
	return time.Duration(c.RetryWait) * time.Second
}

func (c *Config) ArchiveDuration() time.Duration {
	return time.Duration(c.ArchiveInterval) * time.Second
}

// DigestPassword is the password of the "envoy" user: the last 6 digits of the serial.
func (c *Config) DigestPassword() string {
	s := strings.TrimSpace(c.Serial)
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}

// Extractors parses the Accumulator setting into field -> extractor.
func (c *Config) Extractors() (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range strings.Split(c.Accumulator, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		field, extractor, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		extractor = strings.TrimSpace(extractor)
		if !ok || field == "" || extractor == "" {
			return nil, fmt.Errorf("malformed accumulator entry %q", pair)
		}
		m[field] = extractor
	}
	return m, nil
}

const stanzaHeader = `# Configuration for the Enphase Envoy collector.
#
# Host is the hostname or IP address of the Envoy and Serial its serial
# number. PollingInterval must be 300 seconds or greater.

`

// Stanza writes c as a TOML config file which Load can read back.
func Stanza(w io.Writer, c *Config) error {
	if _, err := io.WriteString(w, stanzaHeader); err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(c)
}
