package ninja_go

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/segmentio/fasthash/fnv1a"
)

// All three logs frame records as a u32 size word followed by the payload.
const kMaxRecordSize = (1 << 19) - 1

// logFile is the append side shared by the build, deps and hash logs. The
// header (signature line plus a u32 version) is written when the file is
// empty. Each record is written with a single write call so a crash can
// only ever leave a torn record at the tail.
type logFile struct {
	path      string
	signature string
	version   uint32
	sync      bool
	f         *os.File
	buf       []byte
}

func newLogFile(path, signature string, version uint32, sync bool) *logFile {
	return &logFile{path: path, signature: signature, version: version, sync: sync}
}

func (l *logFile) open() error {
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("opening %s: %w", l.path, err)
	}
	l.f = f
	if info.Size() == 0 {
		header := make([]byte, 0, len(l.signature)+4)
		header = append(header, l.signature...)
		header = binary.LittleEndian.AppendUint32(header, l.version)
		return l.write(header)
	}
	return nil
}

func (l *logFile) write(p []byte) error {
	if _, err := l.f.Write(p); err != nil {
		return fmt.Errorf("writing %s: %w", l.path, err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", l.path, err)
		}
	}
	return nil
}

// writeRecord frames payload with its size word (or'ed with flag).
func (l *logFile) writeRecord(flag uint32, payload []byte) error {
	if len(payload) > kMaxRecordSize {
		return fmt.Errorf("%s: record of %d bytes exceeds the maximum record size", l.path, len(payload))
	}
	if err := l.open(); err != nil {
		return err
	}
	l.buf = binary.LittleEndian.AppendUint32(l.buf[:0], uint32(len(payload))|flag)
	l.buf = append(l.buf, payload...)
	return l.write(l.buf)
}

func (l *logFile) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// readLogHeader checks signature and returns the version word and the offset
// of the first record. ok is false if data is too short or the signature
// doesn't match.
func readLogHeader(data []byte, signature string) (version uint32, offset int, ok bool) {
	n := len(signature)
	if len(data) < n+4 || string(data[:n]) != signature {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(data[n:]), n + 4, true
}

// isTornHeader reports whether data is a strict prefix of the header, which
// is what a process killed while creating the log leaves behind.
func isTornHeader(data []byte, signature string, version uint32) bool {
	full := binary.LittleEndian.AppendUint32([]byte(signature), version)
	return len(data) < len(full) && bytes.HasPrefix(full, data)
}

// truncateLog cuts a damaged tail off path at offset.
func truncateLog(path string, offset int64) error {
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return nil
}

func recordChecksum(payload []byte) uint32 {
	return fnv1a.AddBytes32(fnv1a.Init32, payload)
}

// replaceLog moves a freshly written temporary log over path. On failure
// path is left as it was.
func replaceLog(tempPath, path string) error {
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tempPath, err)
	}
	return nil
}
