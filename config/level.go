package config

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// LogLevel is a slog.Level that reads and writes as its name in YAML, such as "debug" or "warn+2"
type LogLevel struct {
	slog.Level
}

func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: log_level must be a level name", value.Line)
	}

	err := l.Level.UnmarshalText([]byte(value.Value))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}

	return nil
}

func (l LogLevel) MarshalYAML() (any, error) {
	return l.Level.String(), nil
}
