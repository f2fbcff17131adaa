// Package config defines the node's CLI-facing configuration surface
// (§6): the fields the core consumes, even though argument parsing itself
// is named an external collaborator. Grounded on the teacher's
// Config/NewConfig/RegisterFlags pattern (dht.go), narrowed to the
// fields spec.md's options.h-derived contract actually names.
package config

import (
	"flag"
	"time"

	"kadnode/logger"
)

// Config holds every value the IO loop needs at startup.
type Config struct {
	// ConfigDir holds nodes.dat and, if SinkType is file-backed, the log file.
	ConfigDir string
	// BindAddress and BindPort are the UDP/TCP listen address.
	BindAddress string
	BindPort    int
	// LogSink selects where log lines go: syslog, stdout, stderr, or file.
	LogSink logger.SinkType
	// LogSeverity is the minimum severity passed through to LogSink.
	LogSeverity logger.Severity
	// MaxPeers caps the number of simultaneously connected TCP peers.
	MaxPeers int
	// MaxFrameLen bounds an individual TCP frame's payload length.
	MaxFrameLen uint32
	// RefreshPeriod is how often the periodic bucket-refresh timer fires.
	RefreshPeriod time.Duration
}

// NewConfig returns a Config populated with conservative defaults.
func NewConfig() *Config {
	return &Config{
		ConfigDir:     ".",
		BindAddress:   "",
		BindPort:      0,
		LogSink:       logger.SinkStderr,
		LogSeverity:   logger.Info,
		MaxPeers:      64,
		MaxFrameLen:   1 << 20,
		RefreshPeriod: 15 * time.Minute,
	}
}

// RegisterFlags wires c's fields onto the standard flag package. If c is
// nil, a fresh NewConfig() is registered and returned.
func RegisterFlags(c *Config) *Config {
	if c == nil {
		c = NewConfig()
	}
	flag.StringVar(&c.ConfigDir, "config-dir", c.ConfigDir,
		"Directory holding nodes.dat and, if log-sink=file, the log file.")
	flag.StringVar(&c.BindAddress, "bind-addr", c.BindAddress,
		"Address to bind the UDP/TCP listeners to. Empty means all interfaces.")
	flag.IntVar(&c.BindPort, "bind-port", c.BindPort,
		"UDP/TCP port to bind. 0 picks a random port.")
	flag.IntVar(&c.MaxPeers, "max-peers", c.MaxPeers,
		"Maximum number of simultaneously connected TCP peers.")
	flag.DurationVar(&c.RefreshPeriod, "refresh-period", c.RefreshPeriod,
		"How often to run the periodic routing-table refresh.")
	flag.Var(&c.LogSink, "log-sink",
		"Where to send log output: stdout, stderr, file, or syslog.")
	flag.Var(&c.LogSeverity, "log-severity",
		"Minimum severity to log: debug, info, notice, warning, error, or fatal.")
	return c
}
