package ninja_go

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// / The file banner in the persisted log.
const (
	buildLogSignature      = "# ninjalog\n"
	buildLogCurrentVersion = 1
)

const (
	logEntryFixedSize = 8 + 4 + 4 + 8 + 4
	logEntryRestat    = 1 << 0
)

// / Can answer questions about the manifest for the BuildLog.
type BuildLogUser interface {
	/// Return if a given output is no longer part of the build manifest.
	/// This is only called during recompaction and doesn't have to be fast.
	IsPathDead(path string) bool
}

type LogEntry struct {
	output      string
	commandHash uint64
	startTime   int32
	endTime     int32
	mtime       TimeStamp
	restat      bool
}

func NewLogEntry(output string) *LogEntry {
	return &LogEntry{output: output}
}

func (e *LogEntry) Output() string      { return e.output }
func (e *LogEntry) CommandHash() uint64 { return e.commandHash }
func (e *LogEntry) StartTime() int32    { return e.startTime }
func (e *LogEntry) EndTime() int32      { return e.endTime }
func (e *LogEntry) Mtime() TimeStamp    { return e.mtime }

func (e *LogEntry) equal(o *LogEntry) bool {
	return e.output == o.output && e.commandHash == o.commandHash &&
		e.startTime == o.startTime && e.endTime == o.endTime && e.mtime == o.mtime
}

func (e *LogEntry) appendPayload(b []byte) []byte {
	start := len(b)
	b = binary.LittleEndian.AppendUint64(b, e.commandHash)
	b = binary.LittleEndian.AppendUint32(b, uint32(e.startTime))
	b = binary.LittleEndian.AppendUint32(b, uint32(e.endTime))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.mtime))
	var flags uint32
	if e.restat {
		flags |= logEntryRestat
	}
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = append(b, e.output...)
	return binary.LittleEndian.AppendUint32(b, recordChecksum(b[start:]))
}

func parseLogEntry(payload []byte) (*LogEntry, bool) {
	if len(payload) < logEntryFixedSize+1+4 {
		return nil, false
	}
	body := payload[:len(payload)-4]
	if binary.LittleEndian.Uint32(payload[len(body):]) != recordChecksum(body) {
		return nil, false
	}
	return &LogEntry{
		commandHash: binary.LittleEndian.Uint64(body),
		startTime:   int32(binary.LittleEndian.Uint32(body[8:])),
		endTime:     int32(binary.LittleEndian.Uint32(body[12:])),
		mtime:       TimeStamp(binary.LittleEndian.Uint64(body[16:])),
		restat:      binary.LittleEndian.Uint32(body[24:])&logEntryRestat != 0,
		output:      string(body[logEntryFixedSize:]),
	}, true
}

// / Store a log of every command ran for every build.
// / It has a few uses:
// /
// / 1) (hashes of) command lines for existing output files, so we know
// /    when we need to rebuild due to the command changing
// / 2) timing information, perhaps for generating reports
// / 3) restat information
type BuildLog struct {
	entries           map[string]*LogEntry
	log               *logFile
	logFilePath       string
	needsRecompaction bool
	syncLogs          bool
	scratch           []byte
}

func NewBuildLog() *BuildLog {
	return &BuildLog{entries: map[string]*LogEntry{}, syncLogs: true}
}

// SetSync controls whether every record is fsynced before RecordCommand
// returns.
func (b *BuildLog) SetSync(sync bool) { b.syncLogs = sync }

func (b *BuildLog) Entries() map[string]*LogEntry { return b.entries }

// / Prepares writing to the log file without actually opening it - that will
// / happen when/if it's needed
func (b *BuildLog) OpenForWrite(path string, user BuildLogUser) error {
	var warning error
	if b.needsRecompaction {
		if err := b.Recompact(path, user); err != nil {
			warning = &CompactionWarning{Path: path, Err: err}
		}
	}
	b.logFilePath = path
	b.log = newLogFile(path, buildLogSignature, buildLogCurrentVersion, b.syncLogs)
	return warning
}

// RecordCommand appends one entry per output of edge. The records are on
// disk (and synced, unless disabled) when it returns.
func (b *BuildLog) RecordCommand(edge *Edge, startTime, endTime int, mtime TimeStamp) error {
	command := edge.EvaluateCommand(true)
	commandHash := HashCommand(command)
	restat := edge.GetBindingBool("restat")
	for _, out := range edge.outputs {
		path := out.Path()
		entry, ok := b.entries[path]
		if !ok {
			entry = NewLogEntry(path)
			b.entries[path] = entry
		}
		entry.commandHash = commandHash
		entry.startTime = int32(startTime)
		entry.endTime = int32(endTime)
		entry.mtime = mtime
		entry.restat = restat

		if b.log != nil {
			if err := b.writeEntry(b.log, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BuildLog) writeEntry(log *logFile, entry *LogEntry) error {
	b.scratch = entry.appendPayload(b.scratch[:0])
	return log.writeRecord(0, b.scratch)
}

func (b *BuildLog) Close() error {
	if b.log == nil {
		return nil
	}
	// Create the file even if nothing has been recorded.
	err := b.log.open()
	if cerr := b.log.close(); err == nil {
		err = cerr
	}
	b.log = nil
	return err
}

// / Load the on-disk log. A damaged tail is cut off and reported as a
// / *LogCorruptionWarning alongside LOAD_SUCCESS.
func (b *BuildLog) Load(path string) (LoadStatus, error) {
	defer METRIC_RECORD(".ninja_log load")()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LOAD_NOT_FOUND, nil
		}
		return LOAD_ERROR, fmt.Errorf("loading build log %s: %w", path, err)
	}
	if len(data) == 0 {
		return LOAD_SUCCESS, nil
	}

	version, offset, ok := readLogHeader(data, buildLogSignature)
	if !ok {
		if isTornHeader(data, buildLogSignature, buildLogCurrentVersion) {
			// Killed while writing the header.
			if err := truncateLog(path, 0); err != nil {
				return LOAD_ERROR, err
			}
			return LOAD_SUCCESS, &LogCorruptionWarning{Path: path, Cause: "premature end of file"}
		}
		return LOAD_ERROR, &LogVersionError{Path: path, Version: 0, Want: buildLogCurrentVersion}
	}
	if version != buildLogCurrentVersion {
		return LOAD_ERROR, &LogVersionError{Path: path, Version: version, Want: buildLogCurrentVersion}
	}

	totalEntryCount := 0
	var warning error
	for offset < len(data) {
		payload, ok := nextRecord(data, offset)
		var entry *LogEntry
		if ok {
			entry, ok = parseLogEntry(payload)
		}
		if !ok {
			if err := truncateLog(path, int64(offset)); err != nil {
				return LOAD_ERROR, err
			}
			warning = &LogCorruptionWarning{Path: path, Offset: int64(offset), Cause: "premature end of file"}
			break
		}
		offset += 4 + len(payload)
		totalEntryCount++
		b.entries[entry.output] = entry
	}

	// Decide whether it's time to rebuild the log:
	// - if we're upgrading versions
	// - if it's getting large
	uniqueEntryCount := len(b.entries)
	const kMinCompactionEntryCount = 100
	const kCompactionRatio = 3
	if totalEntryCount > kMinCompactionEntryCount && totalEntryCount > uniqueEntryCount*kCompactionRatio {
		b.needsRecompaction = true
	}
	return LOAD_SUCCESS, warning
}

// nextRecord returns the payload of the size-framed record at offset.
func nextRecord(data []byte, offset int) ([]byte, bool) {
	if len(data)-offset < 4 {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(data[offset:]) & 0x7FFFFFFF)
	if size > kMaxRecordSize || len(data)-offset-4 < size {
		return nil, false
	}
	return data[offset+4 : offset+4+size], true
}

// / Lookup a previously-run command by its output path.
func (b *BuildLog) LookupByOutput(path string) *LogEntry {
	return b.entries[path]
}

// NeedsRecompaction reports whether Load found mostly superseded entries.
func (b *BuildLog) NeedsRecompaction() bool { return b.needsRecompaction }

// sortedEntries gives compaction a stable output order.
func (b *BuildLog) sortedEntries() []*LogEntry {
	out := make([]*LogEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].output < out[j].output })
	return out
}

// / Rewrite the known log entries, throwing away old data.
func (b *BuildLog) Recompact(path string, user BuildLogUser) error {
	defer METRIC_RECORD(".ninja_log recompact")()

	if err := b.Close(); err != nil {
		return err
	}
	tempPath := path + ".recompact"
	os.Remove(tempPath)
	temp := newLogFile(tempPath, buildLogSignature, buildLogCurrentVersion, false)
	if err := temp.open(); err != nil {
		os.Remove(tempPath)
		return err
	}

	var deadOutputs []string
	for _, entry := range b.sortedEntries() {
		if user != nil && user.IsPathDead(entry.output) {
			deadOutputs = append(deadOutputs, entry.output)
			continue
		}
		if err := b.writeEntry(temp, entry); err != nil {
			temp.close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := temp.f.Sync(); err != nil {
		temp.close()
		os.Remove(tempPath)
		return fmt.Errorf("syncing %s: %w", tempPath, err)
	}
	if err := temp.close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	for _, name := range deadOutputs {
		delete(b.entries, name)
	}
	if err := replaceLog(tempPath, path); err != nil {
		return err
	}
	b.needsRecompaction = false
	return nil
}

// / Restat all outputs in the log, or only those named in outputs.
func (b *BuildLog) Restat(path string, disk DiskInterface, outputs []string) error {
	defer METRIC_RECORD(".ninja_log restat")()

	if err := b.Close(); err != nil {
		return err
	}
	want := map[string]bool{}
	for _, o := range outputs {
		want[o] = true
	}
	tempPath := path + ".restat"
	os.Remove(tempPath)
	temp := newLogFile(tempPath, buildLogSignature, buildLogCurrentVersion, false)
	if err := temp.open(); err != nil {
		return err
	}
	for _, entry := range b.sortedEntries() {
		if len(want) == 0 || want[entry.output] {
			mtime, err := disk.Stat(entry.output)
			if err != nil {
				temp.close()
				return err
			}
			entry.mtime = mtime
		}
		if err := b.writeEntry(temp, entry); err != nil {
			temp.close()
			return err
		}
	}
	if err := temp.close(); err != nil {
		return err
	}
	return replaceLog(tempPath, path)
}
