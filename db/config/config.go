package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
)

// LogFormatMode selects how a transaction's operations are laid out in the
// oplog. It is fixed at observer construction time; flipping it on a live
// node would break the back-reference chains of open transactions.
type LogFormatMode int

const (
	// LogFormatSingleEntry groups all operations of a transaction into one
	// applyOps entry, splitting into chained grouped entries only when the
	// size budget forces it.
	LogFormatSingleEntry LogFormatMode = iota
	// LogFormatMultiEntry writes one entry per operation plus a terminal
	// marker entry, all chained by prevOpTime.
	LogFormatMultiEntry
)

const (
	KB = 1024
	MB = 1024 * 1024
)

type Config struct {
	DBPath   string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.
	LogLevel string `toml:"log-level"`

	// OplogFormat is "single-entry" or "multi-entry".
	OplogFormat string `toml:"oplog-format"`
	// MaxEntrySize is the maximum serialized size of one oplog entry,
	// derived from the storage engine's document size ceiling plus fixed
	// per-entry overhead.
	MaxEntrySize int `toml:"max-entry-size"`
	// Term of the current replication epoch. Owned by the (external)
	// replica-set layer; the engine only stamps it into positions.
	Term uint64 `toml:"term"`
}

func (c *Config) Validate() error {
	if c.MaxEntrySize <= 0 {
		return fmt.Errorf("max-entry-size must be greater than 0")
	}
	if _, err := c.FormatMode(); err != nil {
		return err
	}
	if c.Term == 0 {
		log.Warnf("term is 0; positions will sort before any elected term")
	}
	return nil
}

func (c *Config) FormatMode() (LogFormatMode, error) {
	switch c.OplogFormat {
	case "single-entry":
		return LogFormatSingleEntry, nil
	case "multi-entry":
		return LogFormatMultiEntry, nil
	}
	return 0, fmt.Errorf("unknown oplog-format %q", c.OplogFormat)
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DBPath:      "/tmp/tinydocdb",
		LogLevel:    getLogLevel(),
		OplogFormat: "single-entry",
		// 16MB document ceiling plus 16KB of entry overhead.
		MaxEntrySize: 16*MB + 16*KB,
		Term:         1,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:     getLogLevel(),
		OplogFormat:  "single-entry",
		MaxEntrySize: 16*MB + 16*KB,
		Term:         1,
		DBPath:       "/tmp/tinydocdb",
	}
}

// LoadFromFile overlays the toml file at path onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
