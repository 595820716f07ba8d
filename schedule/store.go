package schedule

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store is the single persistence port for the schedule. One fixed-size
// record, read once at boot and written once before low power.
type Store interface {
	Load() (PersistedState, bool, error)
	Save(PersistedState) error
	Invalidate() error
}

const (
	recordMagic   uint32 = 0x46535431 // "FST1"
	recordVersion uint8  = 1
	RecordSize           = 32
)

var ErrBadRecord = errors.New("persisted schedule record is not valid")

// FileStore keeps the record in a file. Placed on tmpfs it behaves like memory
// retained through suspend but lost on power loss.
type FileStore struct {
	fs   afero.Fs
	path string
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

func (f *FileStore) Path() string {
	return f.path
}

// Load returns valid == false, with no error, when there is no usable record.
func (f *FileStore) Load() (PersistedState, bool, error) {
	raw, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{}, false, nil
		}
		return PersistedState{}, false, &Error{Op: "load", Err: err}
	}
	st, err := decodeRecord(raw)
	if err != nil {
		return PersistedState{}, false, nil
	}
	return st, true, nil
}

// Save replaces the record through a temporary file so a crash never leaves
// half a record behind.
func (f *FileStore) Save(st PersistedState) error {
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, encodeRecord(st), 0o600); err != nil {
		return errors.Wrap(err, "write state")
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "replace state")
	}
	return nil
}

func (f *FileStore) Invalidate() error {
	err := f.fs.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return &Error{Op: "invalidate", Err: err}
	}
	return nil
}

// record layout, little endian:
//
//	0  magic      uint32
//	4  version    uint8
//	5  wake       uint8
//	6  reserved   [2]byte
//	8  measure    int64 unix seconds
//	16 nextSync   int64 unix seconds
//	24 reserved   [4]byte
//	28 crc32      uint32 over bytes 0..27
func encodeRecord(st PersistedState) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:], recordMagic)
	buf[4] = recordVersion
	buf[5] = uint8(st.Wake)
	binary.LittleEndian.PutUint64(buf[8:], uint64(unixSeconds(st.MeasurementTime)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(unixSeconds(st.NextRTCSync)))
	binary.LittleEndian.PutUint32(buf[28:], crc32.ChecksumIEEE(buf[:28]))
	return buf
}

func decodeRecord(buf []byte) (PersistedState, error) {
	if len(buf) != RecordSize {
		return PersistedState{}, ErrBadRecord
	}
	if binary.LittleEndian.Uint32(buf[0:]) != recordMagic || buf[4] != recordVersion {
		return PersistedState{}, ErrBadRecord
	}
	if binary.LittleEndian.Uint32(buf[28:]) != crc32.ChecksumIEEE(buf[:28]) {
		return PersistedState{}, ErrBadRecord
	}
	if !bytes.Equal(buf[6:8], []byte{0, 0}) {
		return PersistedState{}, ErrBadRecord
	}
	return PersistedState{
		Wake:            WakeState(buf[5]),
		MeasurementTime: fromUnix(int64(binary.LittleEndian.Uint64(buf[8:]))),
		NextRTCSync:     fromUnix(int64(binary.LittleEndian.Uint64(buf[16:]))),
	}, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}
