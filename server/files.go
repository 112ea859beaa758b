package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

const stagingDir = ".staging"

// FileStore keeps uploaded files in one directory per room under base.
// Uploads are received into a staging directory first and renamed into
// place once complete.
type FileStore struct {
	base     string
	maxBytes int64
}

func NewFileStore(base string, maxBytes int64) (*FileStore, error) {
	fs := &FileStore{base: base, maxBytes: maxBytes}
	if err := os.MkdirAll(fs.staging(), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return fs, nil
}

func (fs *FileStore) MaxBytes() int64 { return fs.maxBytes }

func (fs *FileStore) staging() string { return filepath.Join(fs.base, stagingDir) }

func (fs *FileStore) roomDir(room string) string { return filepath.Join(fs.base, room) }

// errReader remembers the first non-EOF read error so a failed copy can be
// blamed on the connection or on the disk.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}

// Receive consumes exactly size bytes from r into a new staging file and
// returns its path. If the disk fails the rest of the payload is still
// drained from r. ErrShortTransfer means r ended or failed first and the
// stream can no longer be trusted.
func (fs *FileStore) Receive(r io.Reader, size int64) (string, error) {
	src := &errReader{r: r}
	lr := &io.LimitedReader{R: src, N: size}

	name := filepath.Join(fs.staging(), uuid.NewString()+".tmp")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if derr := Drain(r, size); derr != nil {
			return "", derr
		}
		return "", fmt.Errorf("create staging file: %w", err)
	}

	n, copyErr := io.Copy(f, lr)
	if copyErr == nil && src.err == nil && n == size {
		copyErr = f.Sync()
	}
	closeErr := f.Close()

	switch {
	case src.err != nil:
		os.Remove(name)
		return "", fmt.Errorf("%w: %v", ErrShortTransfer, src.err)
	case copyErr != nil:
		os.Remove(name)
		if derr := Drain(r, lr.N); derr != nil {
			return "", derr
		}
		return "", fmt.Errorf("write staging file: %w", copyErr)
	case n < size:
		os.Remove(name)
		return "", fmt.Errorf("%w: %v", ErrShortTransfer, io.ErrUnexpectedEOF)
	case closeErr != nil:
		os.Remove(name)
		return "", fmt.Errorf("close staging file: %w", closeErr)
	}
	return name, nil
}

// Drain discards exactly n bytes from r.
func Drain(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("%w: %v", ErrShortTransfer, err)
	}
	return nil
}

// Publish moves a staged upload to room/name, replacing any file with the
// same name. Callers hold the registry lock so the room cannot vanish
// underneath.
func (fs *FileStore) Publish(room, name, staged string) error {
	if !protocol.ValidRoomName(room) {
		return ErrInvalidRoomName
	}
	if !protocol.ValidFilename(name) {
		return ErrInvalidFilename
	}
	dir := fs.roomDir(room)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create room dir: %w", err)
	}
	if err := os.Rename(staged, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish %s/%s: %w", room, name, err)
	}
	return nil
}

func (fs *FileStore) Discard(staged string) {
	if staged == "" {
		return
	}
	if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("module", "files").Str("path", staged).Err(err).Msg("discard staged upload")
	}
}

// List returns the room's stored files sorted case-insensitively. A room
// with no uploads yet has an empty list.
func (fs *FileStore) List(room string) ([]string, error) {
	if !protocol.ValidRoomName(room) {
		return nil, ErrInvalidRoomName
	}
	entries, err := os.ReadDir(fs.roomDir(room))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sortFold(names)
	return names, nil
}

// Open returns the stored file and its size for download.
func (fs *FileStore) Open(room, name string) (*os.File, int64, error) {
	if !protocol.ValidRoomName(room) {
		return nil, 0, ErrInvalidRoomName
	}
	if !protocol.ValidFilename(name) {
		return nil, 0, ErrInvalidFilename
	}

	path := filepath.Join(fs.roomDir(room), name)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return nil, 0, ErrFileNotFound
	}
	if fs.maxBytes > 0 && st.Size() > fs.maxBytes {
		return nil, 0, ErrFileTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s/%s: %w", room, name, err)
	}
	return f, st.Size(), nil
}

// RemoveRoom deletes the room's directory and everything in it.
func (fs *FileStore) RemoveRoom(room string) error {
	if !protocol.ValidRoomName(room) {
		return ErrInvalidRoomName
	}
	return os.RemoveAll(fs.roomDir(room))
}

// Sweep removes directories of rooms not in keep, plus leftover staging
// files. Run at startup, before any session exists.
func (fs *FileStore) Sweep(keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	entries, err := os.ReadDir(fs.base)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == stagingDir || keepSet[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(fs.base, e.Name())); err != nil {
			return err
		}
		log.Info().Str("module", "files").Str("room", e.Name()).Msg("removed stale room storage")
	}

	staged, err := os.ReadDir(fs.staging())
	if err != nil {
		return err
	}
	for _, e := range staged {
		os.Remove(filepath.Join(fs.staging(), e.Name()))
	}
	return nil
}
