// Package config reads agent configuration from HCL files.
// Separate package is workaround to import cycles: every component takes
// its own section, state wires them together.
package config

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Hardware  Hardware  `hcl:"hardware"`
	Link      Link      `hcl:"link"`
	Broker    Broker    `hcl:"broker"`
	Topics    Topics    `hcl:"topics"`
	Telemetry Telemetry `hcl:"telemetry"`
	Metrics   struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`
	LogDebug bool `hcl:"log_debug"`
}

type Hardware struct {
	GpioChip     string `hcl:"gpio_chip"`
	PinIndicator int    `hcl:"pin_indicator"` // <0 = no indicator
	PinRelay     int    `hcl:"pin_relay"`
	PinTrigger   int    `hcl:"pin_trigger"`
	PinEcho      int    `hcl:"pin_echo"`
	EnvIioDevice string `hcl:"env_iio_device"`
	LogDebug     bool   `hcl:"log_debug"`
}

type Link struct {
	Interface      string   `hcl:"interface"`
	ConnectCommand []string `hcl:"connect_command"`
	PollMs         int      `hcl:"poll_ms"`
	BackoffMinMs   int      `hcl:"backoff_min_ms"`
	BackoffMaxMs   int      `hcl:"backoff_max_ms"`
	BackoffK       float64  `hcl:"backoff_k"`
	BackoffJitter  float64  `hcl:"backoff_jitter"`
	MaxRetries     int      `hcl:"max_retries"` // 0 = unlimited
	LogDebug       bool     `hcl:"log_debug"`
}

type Broker struct {
	URL               string `hcl:"url"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectMaxSec   int    `hcl:"reconnect_max_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	LogDebug          bool   `hcl:"log_debug"`
}

// Topics are fixed at configuration time, never changed at runtime.
type Topics struct {
	Telemetry   string `hcl:"telemetry"`
	Temperature string `hcl:"temperature"`
	Humidity    string `hcl:"humidity"`
	Distance    string `hcl:"distance"`
	Command     string `hcl:"command"`
	Status      string `hcl:"status"`
}

type Telemetry struct {
	CycleSec    int    `hcl:"cycle_sec"`
	RetrySec    int    `hcl:"retry_sec"`
	StatusToken string `hcl:"status_token"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read parses names in order, later sources and includes overwrite earlier.
// Result is validated.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	c.Hardware.PinIndicator = -1
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return errors.NotValidf("config: broker.url empty")
	}
	if c.Topics.Command == "" || c.Topics.Status == "" || c.Topics.Telemetry == "" {
		return errors.NotValidf("config: topics command, status, telemetry are required")
	}
	if c.Telemetry.CycleSec < 0 || c.Telemetry.RetrySec < 0 {
		return errors.NotValidf("config: telemetry cycle_sec/retry_sec < 0")
	}
	if c.Link.BackoffJitter < 0 || c.Link.BackoffJitter >= 1 {
		return errors.NotValidf("config: link.backoff_jitter=%v must be in [0,1)", c.Link.BackoffJitter)
	}
	if c.Link.MaxRetries < 0 {
		return errors.NotValidf("config: link.max_retries < 0")
	}
	pins := map[int]string{}
	for name, p := range map[string]int{
		"pin_indicator": c.Hardware.PinIndicator,
		"pin_relay":     c.Hardware.PinRelay,
		"pin_trigger":   c.Hardware.PinTrigger,
		"pin_echo":      c.Hardware.PinEcho,
	} {
		if p < 0 {
			if name != "pin_indicator" {
				return errors.NotValidf("config: hardware.%s < 0", name)
			}
			continue
		}
		if other, ok := pins[p]; ok {
			return errors.NotValidf("config: hardware.%s=%d same line as %s", name, p, other)
		}
		pins[p] = name
	}
	return nil
}
