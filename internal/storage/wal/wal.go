// Package wal implements an append-only log of length-prefixed,
// checksummed records.
package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ErrCorrupt is returned by Iterate when a record fails its checksum.
var ErrCorrupt = errors.New("wal: corrupt record")

// headerSize is the size of the length prefix and of the trailing CRC.
const headerSize = 4

// WAL is a Write Ahead Log backed by a single file.
type WAL struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	records int
	noSync  bool
}

// Option configures a WAL at open time.
type Option func(*WAL)

// WithoutSync skips the fsync after every append.
func WithoutSync() Option {
	return func(w *WAL) { w.noSync = true }
}

// Open opens or creates the log at path.
func Open(path string, opts ...Option) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{f: f, path: path}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the file backing the log.
func (w *WAL) Path() string {
	return w.path
}

// Append writes one record.
// Format: Len(4) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := make([]byte, 0, len(data)+2*headerSize)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(data))

	// single write so a crash leaves at most one torn frame at the tail
	if _, err := w.f.Write(frame); err != nil {
		return err
	}
	w.records++

	if w.noSync {
		return nil
	}
	return w.f.Sync()
}

// Iterate calls handler for every record from the start of the log.
// A torn frame at the tail ends iteration without error; a checksum
// mismatch returns ErrCorrupt.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	defer w.f.Seek(0, io.SeekEnd)

	count := 0
	hdr := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(w.f, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		length := binary.BigEndian.Uint32(hdr)

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}

		if _, err := io.ReadFull(w.f, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(hdr) {
			return ErrCorrupt
		}

		if err := handler(data); err != nil {
			return err
		}
		count++
	}

	w.records = count
	return nil
}

// Records is the number of records appended or read since open.
func (w *WAL) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Truncate discards every record.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return err
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.records = 0
	return nil
}

func (w *WAL) Close() error {
	return w.f.Close()
}

// Remove closes the log and deletes its file.
func (w *WAL) Remove() error {
	w.Close()
	return os.Remove(w.path)
}
