package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileMode says what happens to an existing log file when the tail command
// starts. It only applies when logging to a path.
type FileMode string

const (
	FileModeAppend   FileMode = "append"
	FileModeTruncate FileMode = "truncate"
	// FileModeRotate hands the file to lumberjack, which rolls it by size.
	FileModeRotate FileMode = "rotate"
)

var fileModes = []FileMode{FileModeAppend, FileModeTruncate, FileModeRotate}

// Set parses a mode; the empty string selects append.
func (m *FileMode) Set(s string) error {
	if s == "" {
		*m = FileModeAppend
		return nil
	}
	for _, mode := range fileModes {
		if strings.EqualFold(s, string(mode)) {
			*m = mode
			return nil
		}
	}
	return errors.Errorf("log file mode %q is not one of %v", s, fileModes)
}

func (m FileMode) String() string {
	return string(m)
}

func (m *FileMode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}

func rotating(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// openSink resolves a log path to a writer. "stderr" (or no path) and
// "stdout" name the process streams; anything else is a file.
func openSink(path string, mode FileMode) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	if mode == FileModeRotate {
		// lumberjack would create a missing directory.
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			return nil, errors.Wrap(err, "log directory")
		}
		return zapcore.AddSync(rotating(path)), nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if mode == FileModeTruncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening log file")
	}
	return f, nil
}
