package backlog

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// StorageError is a failure reading or writing the backlog file.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "backlog " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Backlog is a file of undelivered entries, one per line, oldest first.
// Only complete, newline-terminated lines count as entries.
type Backlog struct {
	fs   afero.Fs
	path string
	log  *logger.Entry
}

func New(fs afero.Fs, path string) *Backlog {
	return &Backlog{fs: fs, path: path, log: logger.WithField("subsystem", "backlog")}
}

func (b *Backlog) Path() string {
	return b.path
}

// Append adds one entry and syncs it to storage before returning.
func (b *Backlog) Append(entry string) error {
	if entry == "" || strings.ContainsAny(entry, "\r\n") {
		return &StorageError{Op: "append", Err: errors.New("entry must be a single non-empty line")}
	}
	if err := b.repair(); err != nil {
		return err
	}
	if err := b.fs.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	f, err := b.fs.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	if _, err := f.Write([]byte(entry + "\n")); err != nil {
		_ = f.Close()
		return &StorageError{Op: "append", Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "append", Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

// HasEntries reports whether there is anything to drain. Storage errors read
// as empty.
func (b *Backlog) HasEntries() bool {
	fi, err := b.fs.Stat(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.log.Errorf("Failed to stat [%v] [%v]", b.path, err)
		}
		return false
	}
	return fi.Size() > 0
}

// Entries returns the complete entries in file order.
func (b *Backlog) Entries() ([]string, error) {
	raw, err := afero.ReadFile(b.fs, b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "read", Err: err}
	}
	var entries []string
	for _, line := range strings.Split(string(complete(raw)), "\n") {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

func (b *Backlog) Count() (int, error) {
	entries, err := b.Entries()
	return len(entries), err
}

// Drain publishes entries oldest first. It stops at the first failure,
// leaving that entry and all later ones in the file, and returns the
// publish error. The file is removed once every entry is sent.
func (b *Backlog) Drain(publish func(entry string) error) (int, error) {
	f, err := b.fs.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &StorageError{Op: "open", Err: err}
	}
	rd := bufio.NewReader(f)
	sent := 0
	for {
		line, err := rd.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				b.log.Warnf("Discarding partial backlog entry [%v]", line)
			}
			break
		}
		if err != nil {
			_ = f.Close()
			return sent, &StorageError{Op: "read", Err: err}
		}
		entry := strings.TrimSuffix(line, "\n")
		if entry == "" {
			continue
		}
		if perr := publish(entry); perr != nil {
			rest, err := io.ReadAll(rd)
			_ = f.Close()
			if err != nil {
				return sent, &StorageError{Op: "read", Err: err}
			}
			if err := b.rewrite(append([]byte(line), complete(rest)...)); err != nil {
				b.log.Errorf("Failed to rewrite backlog after [%d] sent [%v]", sent, err)
				return sent, err
			}
			b.log.Infof("Backlog drain stopped after [%d] entries [%v]", sent, perr)
			return sent, perr
		}
		sent++
	}
	_ = f.Close()
	if err := b.fs.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return sent, &StorageError{Op: "remove", Err: err}
	}
	b.log.Infof("Backlog drained, [%d] entries sent", sent)
	return sent, nil
}

// repair drops a partial last line, left by a crash during Append.
func (b *Backlog) repair() error {
	raw, err := afero.ReadFile(b.fs, b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "read", Err: err}
	}
	if len(raw) == 0 || raw[len(raw)-1] == '\n' {
		return nil
	}
	good := complete(raw)
	b.log.Warnf("Discarding partial backlog entry [%v]", string(raw[len(good):]))
	return b.rewrite(good)
}

// rewrite replaces the file through a temporary file so a crash leaves
// either the old or the new content.
func (b *Backlog) rewrite(content []byte) error {
	tmp := b.path + ".tmp"
	f, err := b.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "rewrite", Err: err}
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return &StorageError{Op: "rewrite", Err: err}
	}
	// the new content must be on the card before it replaces the old
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "rewrite", Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "rewrite", Err: err}
	}
	if err := b.fs.Rename(tmp, b.path); err != nil {
		return &StorageError{Op: "rewrite", Err: err}
	}
	return nil
}

// complete trims raw to its last newline.
func complete(raw []byte) []byte {
	i := bytes.LastIndexByte(raw, '\n')
	if i < 0 {
		return nil
	}
	return raw[:i+1]
}
