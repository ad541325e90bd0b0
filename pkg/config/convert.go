package config

import (
	"os"

	"github.com/khryptorgraphics/p2pconnect/pkg/backoff"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/turn"
	"golang.org/x/time/rate"
)

// Pattern parses the configured STUN request retry pattern.
func (c *STUNConfig) Pattern() (backoff.Pattern, error) {
	text := c.RequestPattern
	if text == "" {
		text = "/500,1000,1500,2000,2500///"
	}
	return backoff.Parse(text)
}

// Client builds a turn.Config from the loaded TURN section.
func (c *TURNConfig) Client() turn.Config {
	var limit rate.Limit // zero disables shaping, see turn.New
	if c.RelayBandwidthBps > 0 {
		limit = rate.Limit(c.RelayBandwidthBps)
	}
	return turn.Config{
		URIs:           c.URIs,
		Username:       c.Username,
		Password:       c.Password,
		Realm:          c.Realm,
		EvenPort:       c.EvenPort,
		ReserveNext:    c.ReserveNext,
		RelayBandwidth: limit,
		RelayBurst:     c.RelayBurstBytes,
	}
}

// Logger builds the logging.Config the rest of the process shares.
func (c *LoggingConfig) Logger() *logging.Config {
	level := logging.LevelInfo
	switch c.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	case "fatal":
		level = logging.LevelFatal
	}
	format := logging.FormatJSON
	if c.Format == "console" {
		format = logging.FormatConsole
	}
	return &logging.Config{
		Level:       level,
		Format:      format,
		Output:      os.Stdout,
		ServiceName: c.ServiceName,
		Environment: c.Environment,
	}
}
