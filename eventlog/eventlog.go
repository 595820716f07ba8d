package eventlog

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// Hook mirrors log entries into a file on removable storage. When the file
// would grow past max bytes it is started afresh.
type Hook struct {
	fs        afero.Fs
	path      string
	max       int64
	formatter logger.Formatter
	mu        sync.Mutex
}

func NewHook(fs afero.Fs, path string, max int64) *Hook {
	return &Hook{
		fs:   fs,
		path: path,
		max:  max,
		formatter: &logger.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		},
	}
}

func (h *Hook) Levels() []logger.Level {
	return logger.AllLevels
}

func (h *Hook) Fire(e *logger.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	line = ansi.ReplaceAll(line, nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	if fi, err := h.fs.Stat(h.path); err == nil && h.max > 0 && fi.Size()+int64(len(line)) > h.max {
		if err := h.fs.Remove(h.path); err != nil {
			return err
		}
	}
	if err := h.fs.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	f, err := h.fs.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
