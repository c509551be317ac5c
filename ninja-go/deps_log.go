package ninja_go

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// The version is stored as 4 bytes after the signature and also serves as a
// byte order mark. Signature and version combined are 16 bytes long.
const (
	depsLogSignature      = "# ninjadeps\n"
	depsLogCurrentVersion = 4
)

// / As build commands run they can output extra dependency information
// / (e.g. header dependencies for C source) dynamically.  DepsLog collects
// / that information at build time and uses it for subsequent builds.
// /
// / The on-disk format is based on two primary design constraints:
// / - it must be written to as a stream (during the build, which may be
// /   interrupted);
// / - it can be read all at once on startup.  (Alternative designs, where
// /   it contains indexing information, were considered and discarded as
// /   too complicated to implement; if the file is small than reading it
// /   fully on startup is acceptable.)
// / Here are some stats from the Windows Chrome dependency files, to
// / help guide the design space.  The total text in the files sums to
// / 90mb so some compression is warranted to keep load-time fast.
// / There's about 10k files worth of dependencies that reference about
// / 40k total paths totalling 2mb of unique strings.
// /
// / Based on these stats, here's the current design.
// / The file is structured as version header followed by a sequence of records.
// / Each record is either a path string or a dependency list.
// / Numbering the path strings in file order gives them dense integer ids.
// / A dependency list maps an output id to a list of input ids.
// /
// / Concretely, a record is:
// /    four bytes record length, high bit indicates record type
// /      (but max record sizes are capped at 512kB)
// /    path records contain the string name of the path, followed by up to 3
// /      padding bytes to align on 4 byte boundaries, followed by the
// /      one's complement of the expected index of the record (to detect
// /      concurrent writes of multiple ninja processes to the log).
// /    dependency records are an array of 4-byte integers
// /      [output path id,
// /       output path mtime (lower 4 bytes), output path mtime (upper 4 bytes),
// /       input path id, input path id...]
// /      (The mtime is compared against the on-disk output path mtime
// /      to verify the stored data is up-to-date.)
// / If two records reference the same output the latter one in the file
// / wins, allowing updates to just be appended to the file.  A separate
// / repacking step can run occasionally to remove dead records.
type DepsLog struct {
	needsRecompaction bool
	log               *logFile
	syncLogs          bool
	filePath          string

	/// Maps id -> Node. A nil slot is a path that no longer forms a valid node.
	nodes []*Node
	/// Maps id -> deps of that id.
	deps []*Deps

	// staleRecords counts deps records dropped during Load.
	staleRecords int
	scratch      []byte
}

// Reading (startup-time) interface.
type Deps struct {
	mtime TimeStamp
	nodes []*Node
}

func NewDeps(mtime TimeStamp, nodes []*Node) *Deps {
	return &Deps{mtime: mtime, nodes: nodes}
}

func (d *Deps) Mtime() TimeStamp { return d.mtime }
func (d *Deps) Nodes() []*Node   { return d.nodes }

func NewDepsLog() *DepsLog {
	return &DepsLog{syncLogs: true}
}

func (d *DepsLog) SetSync(sync bool) { d.syncLogs = sync }
func (d *DepsLog) Nodes() []*Node    { return d.nodes }
func (d *DepsLog) AllDeps() []*Deps  { return d.deps }
func (d *DepsLog) StaleRecords() int { return d.staleRecords }

// Writing (build-time) interface.
func (d *DepsLog) OpenForWrite(path string) error {
	var warning error
	if d.needsRecompaction {
		if err := d.Recompact(path); err != nil {
			warning = &CompactionWarning{Path: path, Err: err}
		}
	}
	d.filePath = path
	// Opening the file is delayed until a deps record is actually written.
	d.log = newLogFile(path, depsLogSignature, depsLogCurrentVersion, d.syncLogs)
	return warning
}

func (d *DepsLog) RecordDeps(node *Node, mtime TimeStamp, nodes []*Node) error {
	// Track whether there's any new data to be recorded.
	madeChange := false

	// Assign ids to all nodes that are missing one.
	if node.ID() < 0 {
		if err := d.RecordId(node); err != nil {
			return err
		}
		madeChange = true
	}
	for _, n := range nodes {
		if n.ID() < 0 {
			if err := d.RecordId(n); err != nil {
				return err
			}
			madeChange = true
		}
	}

	// See if the new data is different than the existing data, if any.
	if !madeChange {
		deps := d.GetDeps(node)
		if deps == nil || deps.mtime != mtime || len(deps.nodes) != len(nodes) {
			madeChange = true
		} else {
			for i := range nodes {
				if deps.nodes[i] != nodes[i] {
					madeChange = true
					break
				}
			}
		}
	}

	// Don't write anything if there's no new info.
	if !madeChange {
		return nil
	}

	// Update on-disk representation.
	size := 4 * (1 + 2 + len(nodes))
	if size > kMaxRecordSize {
		return fmt.Errorf("deps record for %s is too large", node.Path())
	}
	b := d.scratch[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(node.ID()))
	b = binary.LittleEndian.AppendUint32(b, uint32(uint64(mtime)&0xffffffff))
	b = binary.LittleEndian.AppendUint32(b, uint32(uint64(mtime)>>32))
	for _, n := range nodes {
		b = binary.LittleEndian.AppendUint32(b, uint32(n.ID()))
	}
	d.scratch = b
	if d.log != nil {
		if err := d.log.writeRecord(0x80000000, b); err != nil {
			return err
		}
	}

	// Update in-memory representation.
	d.UpdateDeps(node.ID(), NewDeps(mtime, append([]*Node(nil), nodes...)))
	return nil
}

func (d *DepsLog) Close() error {
	if d.log == nil {
		return nil
	}
	// Create the file even if nothing has been recorded.
	err := d.log.open()
	if cerr := d.log.close(); err == nil {
		err = cerr
	}
	d.log = nil
	return err
}

// Load reads the log into state. A damaged tail is cut off and returned as
// a *LogCorruptionWarning alongside LOAD_SUCCESS. Deps records naming ids
// that don't resolve to a node are stale and skipped.
func (d *DepsLog) Load(path string, state *State) (LoadStatus, error) {
	defer METRIC_RECORD(".ninja_deps load")()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LOAD_NOT_FOUND, nil
		}
		return LOAD_ERROR, fmt.Errorf("loading deps log %s: %w", path, err)
	}
	if len(data) == 0 {
		return LOAD_SUCCESS, nil
	}

	version, offset, ok := readLogHeader(data, depsLogSignature)
	if !ok {
		if isTornHeader(data, depsLogSignature, depsLogCurrentVersion) {
			if err := truncateLog(path, 0); err != nil {
				return LOAD_ERROR, err
			}
			return LOAD_SUCCESS, &LogCorruptionWarning{Path: path, Cause: "premature end of file"}
		}
		return LOAD_ERROR, &LogVersionError{Path: path, Want: depsLogCurrentVersion}
	}
	if version != depsLogCurrentVersion {
		return LOAD_ERROR, &LogVersionError{Path: path, Version: version, Want: depsLogCurrentVersion}
	}

	uniqueDepRecordCount := 0
	totalDepRecordCount := 0
	readFailed := false
	for offset < len(data) {
		if len(data)-offset < 4 {
			readFailed = true
			break
		}
		word := binary.LittleEndian.Uint32(data[offset:])
		isDeps := word>>31 != 0
		payload, ok := nextRecord(data, offset)
		if !ok {
			readFailed = true
			break
		}
		size := len(payload)

		if isDeps {
			if size%4 != 0 || size < 12 {
				readFailed = true
				break
			}
			outID := int(binary.LittleEndian.Uint32(payload))
			mtime := TimeStamp(uint64(binary.LittleEndian.Uint32(payload[8:]))<<32 |
				uint64(binary.LittleEndian.Uint32(payload[4:])))
			depsCount := size/4 - 3
			nodes := make([]*Node, 0, depsCount)
			stale := outID >= len(d.nodes) || d.nodes[outID] == nil
			for i := 0; i < depsCount && !stale; i++ {
				nodeID := int(binary.LittleEndian.Uint32(payload[12+4*i:]))
				if nodeID >= len(d.nodes) || d.nodes[nodeID] == nil {
					stale = true
					break
				}
				nodes = append(nodes, d.nodes[nodeID])
			}
			offset += 4 + size
			totalDepRecordCount++
			if stale {
				d.staleRecords++
				continue
			}
			if !d.UpdateDeps(outID, NewDeps(mtime, nodes)) {
				uniqueDepRecordCount++
			}
		} else {
			pathSize := size - 4
			if pathSize <= 0 {
				readFailed = true
				break
			}
			// There can be up to 3 bytes of padding.
			for i := 0; i < 3 && pathSize > 0 && payload[pathSize-1] == 0; i++ {
				pathSize--
			}
			checksum := binary.LittleEndian.Uint32(payload[size-4:])
			expectedID := int(^checksum)
			id := len(d.nodes)
			if id != expectedID {
				readFailed = true
				break
			}
			var node *Node
			if canon, slashBits, err := CanonicalizePath(string(payload[:pathSize])); err == nil {
				node = state.GetNode(canon, slashBits)
				if node.ID() >= 0 {
					// The same path under two ids means two writers interleaved.
					readFailed = true
					break
				}
				node.SetID(id)
			}
			d.nodes = append(d.nodes, node)
			offset += 4 + size
		}
	}

	var warning error
	if readFailed {
		// An error occurred while loading; try to recover by truncating the
		// file to the last fully-read record.
		if err := truncateLog(path, int64(offset)); err != nil {
			return LOAD_ERROR, err
		}
		// The truncate succeeded; we'll just report the load error as a
		// warning because the build can proceed.
		warning = &LogCorruptionWarning{Path: path, Offset: int64(offset), Cause: "premature end of file"}
	}

	// Rebuild the log if there are too many dead records.
	const kMinCompactionEntryCount = 1000
	const kCompactionRatio = 3
	if totalDepRecordCount > kMinCompactionEntryCount &&
		totalDepRecordCount > uniqueDepRecordCount*kCompactionRatio {
		d.needsRecompaction = true
	}
	return LOAD_SUCCESS, warning
}

func (d *DepsLog) GetDeps(node *Node) *Deps {
	// Abort if the node has no id (never referenced in the deps) or if
	// there's no deps recorded for the node.
	if node.ID() < 0 || node.ID() >= len(d.deps) {
		return nil
	}
	return d.deps[node.ID()]
}

func (d *DepsLog) GetFirstReverseDepsNode(node *Node) *Node {
	for id, deps := range d.deps {
		if deps == nil {
			continue
		}
		for _, n := range deps.nodes {
			if n == node {
				return d.nodes[id]
			}
		}
	}
	return nil
}

// / Rewrite the known log entries, throwing away old data.
func (d *DepsLog) Recompact(path string) error {
	defer METRIC_RECORD(".ninja_deps recompact")()

	if err := d.Close(); err != nil {
		return err
	}
	tempPath := path + ".recompact"

	// OpenForWrite() opens for append.  Make sure it's not appending to a
	// left-over file from a previous recompaction attempt that crashed somehow.
	os.Remove(tempPath)

	newLog := NewDepsLog()
	newLog.SetSync(false)
	if err := newLog.OpenForWrite(tempPath); err != nil {
		return err
	}

	// Clear all known ids so that new ones can be reassigned.  The new indices
	// will refer to the ordering in newLog, not in the current log.
	oldNodes := d.nodes
	for _, n := range oldNodes {
		if n != nil {
			n.SetID(-1)
		}
	}
	// abandon puts the old ids back so d stays usable for appending.
	abandon := func(err error) error {
		newLog.Close()
		os.Remove(tempPath)
		for _, n := range newLog.nodes {
			n.SetID(-1)
		}
		for id, n := range oldNodes {
			if n != nil {
				n.SetID(id)
			}
		}
		return err
	}

	// Write out all deps again.
	for oldID, deps := range d.deps {
		if deps == nil || oldID >= len(oldNodes) || oldNodes[oldID] == nil {
			continue
		}
		out := oldNodes[oldID]
		if !IsDepsEntryLiveFor(out) {
			continue
		}
		if err := newLog.RecordDeps(out, deps.mtime, deps.nodes); err != nil {
			return abandon(err)
		}
	}
	if err := newLog.Close(); err != nil {
		return abandon(err)
	}
	if err := replaceLog(tempPath, path); err != nil {
		return abandon(err)
	}

	// All nodes now have ids that refer to newLog, so steal its data.
	d.deps = newLog.deps
	d.nodes = newLog.nodes
	d.needsRecompaction = false
	return nil
}

// / Returns if the deps entry for a node is still reachable from the manifest.
// /
// / The deps log can contain deps entries for files that were built in the
// / past but are no longer part of the manifest.  This function returns if
// / this is the case for a given node.  This function is slow, don't call
// / it from code that runs on every build.
func IsDepsEntryLiveFor(node *Node) bool {
	// Skip entries that don't have in-edges or whose edges don't have a
	// "deps" attribute. They were in the deps log from previous builds, but
	// the files they were for were removed from the build and their deps
	// entries are no longer needed.
	// (Without the check for "deps", a chain of two or more nodes that each
	// had deps wouldn't be collected in a single recompaction.)
	return node.InEdge() != nil && node.InEdge().GetBinding("deps") != ""
}

// Updates the in-memory representation.
// Returns true if a prior deps record was replaced.
func (d *DepsLog) UpdateDeps(outID int, deps *Deps) bool {
	if outID >= len(d.deps) {
		d.deps = append(d.deps, make([]*Deps, outID+1-len(d.deps))...)
	}
	existed := d.deps[outID] != nil
	d.deps[outID] = deps
	return existed
}

// Write a node name record, assigning it an id.
func (d *DepsLog) RecordId(node *Node) error {
	pathSize := len(node.Path())
	if pathSize == 0 {
		return errors.New("trying to record empty path Node")
	}
	padding := (4 - pathSize%4) % 4 // Pad path to 4 byte boundary.
	if pathSize+padding+4 > kMaxRecordSize {
		return fmt.Errorf("path %s is too long for the deps log", node.Path())
	}
	id := len(d.nodes)
	b := make([]byte, 0, pathSize+padding+4)
	b = append(b, node.Path()...)
	b = append(b, make([]byte, padding)...)
	b = binary.LittleEndian.AppendUint32(b, ^uint32(id))
	if d.log != nil {
		if err := d.log.writeRecord(0, b); err != nil {
			return err
		}
	}
	node.SetID(id)
	d.nodes = append(d.nodes, node)
	return nil
}
