package ninja_go

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sort"
)

// / The file banner in the persisted hash log.
const (
	hashLogSignature      = "# ninjahash\n"
	hashLogCurrentVersion = 5
)

const hashLogInputSize = 4 + 8 + 8

// HashRecord is a content hash and the mtime the file had when it was
// taken. Hashes are only recomputed when the mtime moves.
type HashRecord struct {
	mtime TimeStamp
	value uint64
}

type IdHashRecord struct {
	id int
	HashRecord
}

// hashNodeRecord holds the latest hash of a node (as an input) and, for
// outputs of hash_input edges, the recorded input hashes sorted by id.
type hashNodeRecord struct {
	HashRecord
	inputs []IdHashRecord
}

// / HashLog remembers the content hash of every non-order-only input of
// / edges whose rule sets hash_input, so that an input whose mtime moved
// / without its content changing does not rebuild the output.
// /
// / Records are framed like the deps log: a u32 size whose high bit marks a
// / hash record. Path records hold the path padded to 4 bytes and the
// / one's complement of the id. Hash records hold the output id followed
// / by (id, mtime, hash) for each input.
type HashLog struct {
	hasher            FileHasher
	ids               map[*Node]int
	nodes             []*Node
	records           []*hashNodeRecord
	log               *logFile
	syncLogs          bool
	needsRecompaction bool
	scratch           []byte
}

func NewHashLog(hasher FileHasher) *HashLog {
	return &HashLog{hasher: hasher, ids: map[*Node]int{}, syncLogs: true}
}

func (h *HashLog) SetSync(sync bool) { h.syncLogs = sync }

// Load reads path into state. An unreadable header or a different version
// is not an error: the file is removed and hashing starts over.
func (h *HashLog) Load(path string, state *State) (LoadStatus, error) {
	defer METRIC_RECORD(".ninja_hash load")()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LOAD_NOT_FOUND, nil
		}
		return LOAD_ERROR, fmt.Errorf("loading hash log %s: %w", path, err)
	}
	if len(data) == 0 {
		return LOAD_SUCCESS, nil
	}

	version, offset, ok := readLogHeader(data, hashLogSignature)
	if !ok || version != hashLogCurrentVersion {
		cause := "bad hash log signature or version; starting over"
		if ok && version > 0 && version < hashLogCurrentVersion {
			cause = "hash log version change; rebuilding"
		}
		if err := os.Remove(path); err != nil {
			return LOAD_ERROR, fmt.Errorf("removing %s: %w", path, err)
		}
		// An empty hash log just means that we might rebuild stuff we do not
		// really need to.
		return LOAD_NOT_FOUND, &LogCorruptionWarning{Path: path, Cause: cause}
	}

	totalRecordCount := 0
	readFailed := false
	for offset < len(data) {
		if len(data)-offset < 4 {
			readFailed = true
			break
		}
		isHash := binary.LittleEndian.Uint32(data[offset:])>>31 != 0
		payload, ok := nextRecord(data, offset)
		if !ok {
			readFailed = true
			break
		}
		size := len(payload)

		if isHash {
			if size < 4+hashLogInputSize || (size-4)%hashLogInputSize != 0 {
				readFailed = true
				break
			}
			id := int(binary.LittleEndian.Uint32(payload))
			if id >= len(h.nodes) {
				readFailed = true
				break
			}
			count := (size - 4) / hashLogInputSize
			inputs := make([]IdHashRecord, count)
			for i := range inputs {
				p := payload[4+i*hashLogInputSize:]
				in := &inputs[i]
				in.id = int(binary.LittleEndian.Uint32(p))
				in.mtime = TimeStamp(binary.LittleEndian.Uint64(p[4:]))
				in.value = binary.LittleEndian.Uint64(p[12:])
				// Inputs must be sorted by id.
				if in.id >= len(h.nodes) || (i > 0 && in.id < inputs[i-1].id) {
					readFailed = true
					break
				}
				// Keep the newest hash seen for this input.
				cache := h.getOrCreateRecord(in.id)
				if in.mtime > cache.mtime {
					cache.HashRecord = in.HashRecord
				}
			}
			if readFailed {
				break
			}
			h.getOrCreateRecord(id).inputs = inputs
			totalRecordCount++
		} else {
			pathSize := size - 4
			if pathSize <= 0 {
				readFailed = true
				break
			}
			for i := 0; i < 3 && pathSize > 0 && payload[pathSize-1] == 0; i++ {
				pathSize--
			}
			checksum := binary.LittleEndian.Uint32(payload[size-4:])
			id := len(h.nodes)
			if int(^checksum) != id {
				readFailed = true
				break
			}
			canon, slashBits, err := CanonicalizePath(string(payload[:pathSize]))
			if err != nil {
				readFailed = true
				break
			}
			node := state.GetNode(canon, slashBits)
			if _, dup := h.ids[node]; dup {
				readFailed = true
				break
			}
			h.ids[node] = id
			h.nodes = append(h.nodes, node)
		}
		offset += 4 + size
	}

	var warning error
	if readFailed {
		if err := truncateLog(path, int64(offset)); err != nil {
			return LOAD_ERROR, err
		}
		warning = &LogCorruptionWarning{Path: path, Offset: int64(offset), Cause: "premature end of file"}
	}

	// Rebuild the log if there are too many dead records.
	const kMinCompactionCount = 1000
	const kCompactionRatio = 3
	if totalRecordCount > kMinCompactionCount && totalRecordCount > h.liveOutputCount()*kCompactionRatio {
		h.needsRecompaction = true
	}
	return LOAD_SUCCESS, warning
}

func (h *HashLog) liveOutputCount() int {
	n := 0
	for _, r := range h.records {
		if r != nil && len(r.inputs) != 0 {
			n++
		}
	}
	return n
}

func (h *HashLog) OpenForWrite(path string) error {
	var warning error
	if h.needsRecompaction {
		if err := h.Recompact(path); err != nil {
			warning = &CompactionWarning{Path: path, Err: err}
		}
	}
	h.log = newLogFile(path, hashLogSignature, hashLogCurrentVersion, h.syncLogs)
	return warning
}

func (h *HashLog) Close() error {
	if h.log == nil {
		return nil
	}
	err := h.log.close()
	h.log = nil
	return err
}

// / Check whether an edge's input hashes match previously recorded values.
// / The stat information on the inputs must be current for this to give
// / the correct result.
func (h *HashLog) HashesAreClean(output *Node, edge *Edge) bool {
	defer METRIC_RECORD("checking hashes")()

	record := h.getRecord(output)
	// Never seen this node.
	if record == nil || len(record.inputs) == 0 {
		return false
	}

	shouldRewrite := false
	for _, in := range edge.NonOrderOnlyInputs() {
		// Input does not exist or was not stat()ed.
		if !in.StatusKnown() || !in.Exists() {
			return false
		}
		recorded := h.getInputHash(record, in)
		// Never seen this node as an input for this output.
		if recorded == nil {
			return false
		}
		// mtime matches, assume it's clean.
		if in.Mtime() == recorded.mtime {
			continue
		}
		hash, err := h.computeHash(in, recorded.id)
		if err != nil || hash.value != recorded.value {
			return false
		}
		// Same content under a new mtime. Remember the mtime so the next
		// check can skip hashing.
		recorded.mtime = hash.mtime
		shouldRewrite = true
	}

	if shouldRewrite && h.log != nil {
		if err := h.writeEntry(h.ids[output], record); err != nil {
			return false
		}
	}
	return true
}

// / Persist input hashes for a finished edge, for each of its outputs.
func (h *HashLog) RecordHashes(edge *Edge, disk DiskInterface) error {
	defer METRIC_RECORD("recording hashes")()

	var inputs []IdHashRecord
	for _, in := range edge.NonOrderOnlyInputs() {
		id, err := h.getOrCreateID(in)
		if err != nil {
			return err
		}
		// Make sure the mtime is up to date.
		if err := in.Stat(disk); err != nil {
			return err
		}
		if !in.Exists() {
			continue
		}
		hash, err := h.computeHash(in, id)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(inputs, func(r IdHashRecord) bool { return r.id == id }) {
			inputs = append(inputs, IdHashRecord{id: id, HashRecord: *hash})
		}
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].id < inputs[j].id })

	for _, out := range edge.Outputs() {
		if err := h.recordOutputHashes(out, inputs); err != nil {
			return err
		}
	}
	return nil
}

func (h *HashLog) recordOutputHashes(output *Node, inputs []IdHashRecord) error {
	id, err := h.getOrCreateID(output)
	if err != nil {
		return err
	}
	record := h.getOrCreateRecord(id)
	if slices.Equal(record.inputs, inputs) {
		return nil
	}
	record.inputs = slices.Clone(inputs)
	return h.writeEntry(id, record)
}

// / Recompact the hash log to reduce it to minimum size
func (h *HashLog) Recompact(path string) error {
	defer METRIC_RECORD(".ninja_hash recompact")()

	if err := h.Close(); err != nil {
		return err
	}
	tempPath := path + ".recompact"
	os.Remove(tempPath)

	newLog := NewHashLog(h.hasher)
	newLog.SetSync(false)
	if err := newLog.OpenForWrite(tempPath); err != nil {
		return err
	}
	for id, node := range h.nodes {
		edge := node.InEdge()
		// Skip nodes that do not use hashes.
		if edge == nil || !edge.GetBindingBool("hash_input") {
			continue
		}
		record := h.getRecordByID(id)
		if record == nil || len(record.inputs) == 0 {
			continue
		}

		var inputs []IdHashRecord
		for _, in := range edge.NonOrderOnlyInputs() {
			old := h.getInputHash(record, in)
			// Might be a new input.
			if old == nil {
				continue
			}
			newID, err := newLog.getOrCreateID(in)
			if err != nil {
				newLog.Close()
				return err
			}
			if slices.ContainsFunc(inputs, func(r IdHashRecord) bool { return r.id == newID }) {
				continue
			}
			inputs = append(inputs, IdHashRecord{id: newID, HashRecord: old.HashRecord})
			cache := newLog.getOrCreateRecord(newID)
			if old.mtime > cache.mtime {
				cache.HashRecord = old.HashRecord
			}
		}
		sort.Slice(inputs, func(i, j int) bool { return inputs[i].id < inputs[j].id })
		if err := newLog.recordOutputHashes(node, inputs); err != nil {
			newLog.Close()
			return err
		}
	}
	if err := newLog.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := replaceLog(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}

	// newLog now has minimal ids and records, so steal its data.
	h.ids = newLog.ids
	h.nodes = newLog.nodes
	h.records = newLog.records
	h.needsRecompaction = false
	return nil
}

// Outputs lists every node with recorded input hashes.
func (h *HashLog) Outputs() []*Node {
	var outputs []*Node
	for id, node := range h.nodes {
		if r := h.getRecordByID(id); r != nil && len(r.inputs) != 0 {
			outputs = append(outputs, node)
		}
	}
	return outputs
}

// InputCount is the number of inputs recorded for node.
func (h *HashLog) InputCount(node *Node) int {
	if r := h.getRecord(node); r != nil {
		return len(r.inputs)
	}
	return 0
}

func (h *HashLog) computeHash(node *Node, id int) (*HashRecord, error) {
	cache := h.getOrCreateRecord(id)
	if node.Mtime() != cache.mtime {
		value, err := h.hasher.HashFile(node.Path())
		if err != nil {
			return nil, fmt.Errorf("error hashing file: %w", err)
		}
		cache.value = value
		cache.mtime = node.Mtime()
	}
	return &cache.HashRecord, nil
}

func (h *HashLog) getInputHash(record *hashNodeRecord, input *Node) *IdHashRecord {
	id, ok := h.ids[input]
	if !ok {
		return nil
	}
	i := sort.Search(len(record.inputs), func(i int) bool { return record.inputs[i].id >= id })
	if i < len(record.inputs) && record.inputs[i].id == id {
		return &record.inputs[i]
	}
	return nil
}

func (h *HashLog) getRecord(node *Node) *hashNodeRecord {
	id, ok := h.ids[node]
	if !ok {
		return nil
	}
	return h.getRecordByID(id)
}

func (h *HashLog) getRecordByID(id int) *hashNodeRecord {
	if id >= len(h.records) {
		return nil
	}
	return h.records[id]
}

func (h *HashLog) getOrCreateRecord(id int) *hashNodeRecord {
	if id >= len(h.records) {
		h.records = append(h.records, make([]*hashNodeRecord, id+1-len(h.records))...)
	}
	if h.records[id] == nil {
		h.records[id] = &hashNodeRecord{}
	}
	return h.records[id]
}

func (h *HashLog) getOrCreateID(node *Node) (int, error) {
	if id, ok := h.ids[node]; ok {
		return id, nil
	}
	id := len(h.nodes)
	if err := h.writeID(id, node); err != nil {
		return -1, err
	}
	h.ids[node] = id
	h.nodes = append(h.nodes, node)
	return id, nil
}

func (h *HashLog) writeID(id int, node *Node) error {
	if h.log == nil {
		return nil
	}
	pathSize := len(node.Path())
	padding := (4 - pathSize%4) % 4 // Pad path to 4 byte boundary.
	b := h.scratch[:0]
	b = append(b, node.Path()...)
	b = append(b, make([]byte, padding)...)
	b = binary.LittleEndian.AppendUint32(b, ^uint32(id))
	h.scratch = b
	return h.log.writeRecord(0, b)
}

func (h *HashLog) writeEntry(id int, record *hashNodeRecord) error {
	// Do not store empty sets of inputs.
	if h.log == nil || len(record.inputs) == 0 {
		return nil
	}
	b := h.scratch[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(id))
	for _, in := range record.inputs {
		b = binary.LittleEndian.AppendUint32(b, uint32(in.id))
		b = binary.LittleEndian.AppendUint64(b, uint64(in.mtime))
		b = binary.LittleEndian.AppendUint64(b, in.value)
	}
	h.scratch = b
	return h.log.writeRecord(0x80000000, b)
}
