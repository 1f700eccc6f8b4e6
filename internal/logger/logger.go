// Package logger builds the zap logger used by the tail command.
package logger

import (
	"flag"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level   zapcore.Level `yaml:"level"`
	Path    string        `yaml:"path"`
	Mode    FileMode      `yaml:"filemode"`
	DevMode bool          `yaml:"devmode"`
}

func (c *Config) SetFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.DevMode, "log.devmode", false, "development mode (if enabled dpanic level logs will cause a panic)")
	c.Level = zap.InfoLevel
	fs.Var(&c.Level, "log.level", "logging level")
	fs.StringVar(&c.Path, "log.path", "stderr", "path to send logs (values: stderr, stdout, path in file system)")
	c.Mode = FileModeAppend
	fs.Var(&c.Mode, "log.filemode", "logger file write mode (values: append, truncate, rotate)")
}

// New returns a JSON logger writing to c.Path at c.Level.
func New(c Config) (*zap.Logger, error) {
	ws, err := openSink(c.Path, c.Mode)
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, c.Level)
	opts := []zap.Option{zap.ErrorOutput(ws)}
	if c.DevMode {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}
