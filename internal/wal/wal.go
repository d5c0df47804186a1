// Package wal provides a write-ahead log for durable write acknowledgment.
// Rows of active chunks live in memory until compression; the WAL is what
// makes them survive a crash. Entries are retained until their chunk is
// compressed or dropped and are pruned by Rewrite.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Entry is a single logged write.
type Entry struct {
	LSN        uint64  `json:"lsn"`
	Hypertable string  `json:"hypertable"`
	Time       int64   `json:"time"`
	SeriesKey  string  `json:"series_key"`
	Value      float64 `json:"value"`
}

// WAL appends write entries to segment files named wal_{segmentID:016x}.log.
type WAL struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentLSN uint64
	mu         sync.Mutex
}

// DefaultMaxSegmentSize is the rotation threshold for segment files.
const DefaultMaxSegmentSize = 16 << 20

// New opens the WAL in dir, creating the directory if needed and resuming
// after the last entry of the newest existing segment.
func New(dir string, maxSegSize int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = DefaultMaxSegmentSize
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}
	if err := w.findLastSegment(); err != nil {
		return nil, err
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

// findLastSegment locates the newest segment and resumes its LSN sequence.
func (w *WAL) findLastSegment() error {
	paths, err := SegmentFiles(w.dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	last := paths[len(paths)-1]
	name := filepath.Base(last)
	if _, err := fmt.Sscanf(name[4:20], "%016x", &w.segmentID); err != nil {
		return fmt.Errorf("malformed segment name %s: %w", name, err)
	}

	// The highest LSN may sit in any segment if Rewrite ran recently, so
	// scan them all.
	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.LSN > w.currentLSN {
				w.currentLSN = e.LSN
			}
		}
	}
	return nil
}

// openSegment opens the current segment file for appending.
func (w *WAL) openSegment() error {
	path := filepath.Join(w.dir, fmt.Sprintf("wal_%016x.log", w.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}
	w.segment = file
	w.offset = offset
	return nil
}

// Append logs one write and fsyncs before returning its LSN.
func (w *WAL) Append(entry Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	entry.LSN = w.currentLSN

	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize entry: %w", err)
	}
	if err := w.writeFrame(payload); err != nil {
		return 0, err
	}
	return w.currentLSN, nil
}

// writeFrame writes [length:4][crc32:4][payload] and rotates the segment
// once it exceeds maxSegSize. Caller holds w.mu.
func (w *WAL) writeFrame(payload []byte) error {
	if err := binary.Write(w.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(w.segment, binary.LittleEndian, computeCRC32(payload)); err != nil {
		return fmt.Errorf("failed to write CRC: %w", err)
	}
	if _, err := w.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	w.offset += int64(8 + len(payload))
	if w.offset >= w.maxSegSize {
		return w.rotateSegment()
	}
	return nil
}

// rotateSegment closes the current segment and opens the next one.
// Caller holds w.mu.
func (w *WAL) rotateSegment() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}
	w.segmentID++
	return w.openSegment()
}

// CurrentLSN returns the LSN of the most recently appended entry.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Rewrite compacts the log: every entry for which keep returns false is
// discarded, the survivors are written to a fresh segment, and the old
// segments are removed. Appends block for the duration.
func (w *WAL) Rewrite(keep func(Entry) bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := SegmentFiles(w.dir)
	if err != nil {
		return err
	}

	var survivors []Entry
	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if keep(e) {
				survivors = append(survivors, e)
			}
		}
	}

	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}

	w.segmentID++
	if err := w.openSegment(); err != nil {
		return err
	}
	for _, e := range survivors {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize entry: %w", err)
		}
		if err := w.writeFrame(payload); err != nil {
			return err
		}
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			log.Printf("wal: failed to remove old segment %s: %v", path, err)
		}
	}
	return nil
}

// Close fsyncs and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment != nil {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}
	return nil
}

// SegmentFiles lists the WAL segment files in dir, oldest first. The naming
// scheme makes lexicographic order chronological.
func SegmentFiles(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) != 24 || name[:4] != "wal_" || filepath.Ext(name) != ".log" {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadSegment reads all intact entries from a segment file. A truncated
// trailing frame ends the scan; a frame failing its CRC is skipped.
func ReadSegment(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []Entry
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated write, likely a crash mid-append
			break
		}

		if computeCRC32(payload) != crc {
			log.Printf("wal: CRC mismatch in %s, skipping entry", path)
			continue
		}

		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// computeCRC32 computes CRC32 using the IEEE polynomial.
func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFFFFFF
}
