package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Configuration knobs with sane defaults.
 *
 * Description:	Everything is optional.  A yaml file can override the
 *		timing and capacity knobs; the zero value of any field
 *		means "use the default".  The file is searched for in
 *		a few conventional places when no explicit path is
 *		given, and a missing file is not an error.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	/* Minimum observed bus silence before the master transmits. */
	BusSilenceMS uint64 `yaml:"bus_silence_ms"`

	/* Timeout for a single response frame from a node. */
	FrameTimeoutMS uint64 `yaml:"frame_timeout_ms"`

	/* Retransmissions before a node is deregistered. */
	MaxRetries int `yaml:"max_retries"`

	/* Bound on waiting for another send to finish, as a multiple
	   of the silence window. */
	ContentionLimit uint64 `yaml:"contention_limit"`

	/* Bound on waiting for the bus to go quiet. */
	SilenceWaitLimitMS uint64 `yaml:"silence_wait_limit_ms"`

	/* Decoded frames buffered between the RX path and the
	   protocol loop.  When full, new frames are dropped. */
	InboundQueueLen int `yaml:"inbound_queue_len"`

	/* Optional CSV event log.  Empty disables it.  When DailyNames
	   is set the path is a directory and files are named by day. */
	EventLogPath string `yaml:"event_log_path"`
	DailyNames   bool   `yaml:"daily_names"`

	/* Optional strftime prefix for frame dumps. */
	DumpTimestampFormat string `yaml:"dump_timestamp_format"`
}

func DefaultConfig() *Config {
	return &Config{
		BusSilenceMS:       5,
		FrameTimeoutMS:     50,
		MaxRetries:         3,
		ContentionLimit:    2,
		SilenceWaitLimitMS: 250,
		InboundQueueLen:    16,
	}
}

// Searched in order when LoadConfig is given an empty path.
var config_search_locations = []string{
	"lurcher.yaml",
	os.Getenv("HOME") + "/.config/lurcher/lurcher.yaml",
	"/etc/lurcher.yaml",
}

/*-------------------------------------------------------------------
 *
 * Name:        LoadConfig
 *
 * Purpose:     Read the yaml config, falling back to defaults.
 *
 * Inputs:	path	- Explicit file, or "" to use the search list.
 *
 * Returns:	A complete Config.  An explicit file that cannot be
 *		read (absent included) is an error, and so is any
 *		malformed file; a file absent from the search list
 *		is not.
 *
 *-----------------------------------------------------------------*/

func LoadConfig(path string) (*Config, error) {
	var cfg = DefaultConfig()

	var locations = []string{path}
	if path == "" {
		locations = config_search_locations
	}

	for _, loc := range locations {
		var raw, err = os.ReadFile(loc)
		if err != nil {
			if path != "" {
				return nil, fmt.Errorf("config %s: %w", loc, err)
			}
			continue
		}

		var overlay Config
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("config %s: %w", loc, err)
		}
		cfg.apply(&overlay)
		break
	}

	return cfg, nil
}

func (c *Config) apply(o *Config) {
	if o.BusSilenceMS != 0 {
		c.BusSilenceMS = o.BusSilenceMS
	}
	if o.FrameTimeoutMS != 0 {
		c.FrameTimeoutMS = o.FrameTimeoutMS
	}
	if o.MaxRetries != 0 {
		c.MaxRetries = o.MaxRetries
	}
	if o.ContentionLimit != 0 {
		c.ContentionLimit = o.ContentionLimit
	}
	if o.SilenceWaitLimitMS != 0 {
		c.SilenceWaitLimitMS = o.SilenceWaitLimitMS
	}
	if o.InboundQueueLen != 0 {
		c.InboundQueueLen = o.InboundQueueLen
	}
	if o.EventLogPath != "" {
		c.EventLogPath = o.EventLogPath
	}
	if o.DailyNames {
		c.DailyNames = true
	}
	if o.DumpTimestampFormat != "" {
		c.DumpTimestampFormat = o.DumpTimestampFormat
	}
}
