package atomic

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// chunkRange tracks one received, non-overlapping byte range within a
// staging file.
type chunkRange struct {
	offset uint32
	length uint32
}

func (c chunkRange) end() uint32 { return c.offset + c.length }

// PayloadStore reassembles per-(tx_id, serial) image payloads from
// out-of-order, possibly-gapped chunks into a contiguous staging file
// (§4.6). One store holds a staging file per (tx_id, serial) tuple; each
// staging file is used only by the Secondary State Machine for that tuple,
// per §5's shared-resource rules.
type PayloadStore struct {
	dir string

	mu       sync.Mutex
	files    map[string]*stagingFile
}

type stagingFile struct {
	path     string
	f        *os.File
	declared uint32 // total size once known (from the first chunk or caller hint); 0 until set
	ranges   []chunkRange
	received uint32
}

// NewPayloadStore roots staging files at dir/staging, per the persisted
// layout in §6.
func NewPayloadStore(dir string) (*PayloadStore, error) {
	root := filepath.Join(dir, "staging")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, Wrap(KindStorage, err, "creating staging dir")
	}
	return &PayloadStore{dir: root, files: make(map[string]*stagingFile)}, nil
}

func stagingKey(txID TxID, serial Serial) string {
	return txID.String() + "/" + string(serial)
}

func (s *PayloadStore) pathFor(txID TxID, serial Serial) string {
	return filepath.Join(s.dir, txID.String(), string(serial)+".bin")
}

func (s *PayloadStore) open(txID TxID, serial Serial) (*stagingFile, error) {
	key := stagingKey(txID, serial)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sf, ok := s.files[key]; ok {
		return sf, nil
	}
	path := s.pathFor(txID, serial)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, Wrap(KindStorage, err, "creating staging subdir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, Wrap(KindStorage, err, "opening staging file")
	}
	sf := &stagingFile{path: path, f: f}
	s.files[key] = sf
	return sf, nil
}

// WriteChunk accepts one chunk, rejecting it with a *Error{Kind: KindPayload}
// if it is oversized, overlaps a previously-received range, or extends past
// the declared total size (§4.6, §4.5).
func (s *PayloadStore) WriteChunk(txID TxID, serial Serial, offset, declaredTotal uint32, data []byte, maxFrameBytes uint32) error {
	if uint32(len(data)) > maxFrameBytes {
		return Wrap(KindPayload, nil, fmt.Sprintf("chunk of %d bytes exceeds max frame size %d", len(data), maxFrameBytes))
	}
	sf, err := s.open(txID, serial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sf.declared == 0 {
		sf.declared = declaredTotal
	} else if declaredTotal != 0 && declaredTotal != sf.declared {
		return Wrap(KindPayload, nil, "declared total size changed mid-transfer")
	}

	newRange := chunkRange{offset: offset, length: uint32(len(data))}
	if sf.declared != 0 && newRange.end() > sf.declared {
		return Wrap(KindPayload, nil, fmt.Sprintf("chunk [%d,%d) past declared total %d", offset, newRange.end(), sf.declared))
	}
	for _, r := range sf.ranges {
		if newRange.offset < r.end() && r.offset < newRange.end() {
			return Wrap(KindPayload, nil, fmt.Sprintf("chunk [%d,%d) overlaps existing [%d,%d)", newRange.offset, newRange.end(), r.offset, r.end()))
		}
	}

	if _, err := sf.f.WriteAt(data, int64(offset)); err != nil {
		return Wrap(KindStorage, err, "writing staging chunk")
	}
	sf.ranges = append(sf.ranges, newRange)
	sort.Slice(sf.ranges, func(i, j int) bool { return sf.ranges[i].offset < sf.ranges[j].offset })
	sf.received += newRange.length
	return nil
}

// IsComplete reports whether every byte of size has been received, i.e. the
// Secondary's Prepare precondition for this (tx_id, serial).
func (s *PayloadStore) IsComplete(txID TxID, serial Serial, size uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stagingKey(txID, serial)
	sf, ok := s.files[key]
	if !ok {
		return size == 0
	}
	if sf.declared != 0 && sf.declared != size {
		return false
	}
	var covered uint32
	for _, r := range sf.ranges {
		if r.offset != covered {
			return false
		}
		covered = r.end()
	}
	return covered == size
}

// Read returns the fully assembled payload for (tx_id, serial). Callers
// must only call this once IsComplete is true.
func (s *PayloadStore) Read(txID TxID, serial Serial, size uint32) ([]byte, error) {
	sf, err := s.open(txID, serial)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := sf.f.ReadAt(buf, 0); err != nil {
		return nil, Wrap(KindStorage, err, "reading staged payload")
	}
	return buf, nil
}

// Discard removes the staging file(s) for a decided or aborted transaction.
func (s *PayloadStore) Discard(txID TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := txID.String() + "/"
	for key, sf := range s.files {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			_ = sf.f.Close()
			delete(s.files, key)
		}
	}
	return os.RemoveAll(filepath.Join(s.dir, txID.String()))
}
