// Package ingress provides byte-stream sources for splice.SourceBuffer:
// a local TS file, a TCP connection, and a UDP (optionally multicast)
// socket. See spec.md §4.1 and §6.
package ingress

import (
	"fmt"
	"os"
)

// File is a splice.SourceBuffer reader over a local MPEG-TS file. Reopen
// seeks back to the start, used to drive file-sequence looping per
// spec.md §4.6 without tearing down and rebuilding the SourceBuffer.
type File struct {
	path string
	f    *os.File
}

// OpenFile opens path for reading.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingress: opening %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

func (s *File) Read(p []byte) (int, error) { return s.f.Read(p) }

// Reopen seeks the file back to its start. Returns an error if the file
// has been closed.
func (s *File) Reopen() error {
	_, err := s.f.Seek(0, 0)
	if err != nil {
		return fmt.Errorf("ingress: reopening %s: %w", s.path, err)
	}
	return nil
}

func (s *File) Close() error { return s.f.Close() }

// Path returns the filesystem path this source reads from.
func (s *File) Path() string { return s.path }
