package log

import "fmt"

const (
	DefaultPattern = "%time [%level] %caller %field: %msg\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// LoggerConfig describes the logger. Maps to the `log:` key of the daemon config.
type LoggerConfig struct {
	Level     string           `mapstructure:"level" yaml:"level"`
	Pattern   string           `mapstructure:"pattern" yaml:"pattern"`
	Time      string           `mapstructure:"time" yaml:"time"`
	Appenders []AppenderConfig `mapstructure:"appenders" yaml:"appenders"`
}

// AppenderConfig selects one output. Type is "console" or "file".
type AppenderConfig struct {
	Type string          `mapstructure:"type" yaml:"type"`
	File FileAppenderOpt `mapstructure:"file" yaml:"file,omitempty"`
}

// DefaultConfig logs at info level to the console only.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:     "info",
		Pattern:   DefaultPattern,
		Time:      DefaultTime,
		Appenders: []AppenderConfig{{Type: "console"}},
	}
}

// Validate checks appender types and file appender options.
func (c *LoggerConfig) Validate() error {
	for i, a := range c.Appenders {
		switch a.Type {
		case "console":
		case "file":
			if a.File.Filename == "" {
				return fmt.Errorf("log appender %d: file appender requires 'filename'", i)
			}
		default:
			return fmt.Errorf("log appender %d: unknown type %q (must be console/file)", i, a.Type)
		}
	}
	return nil
}
