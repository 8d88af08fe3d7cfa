package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const seqDir = ".seq"

// FileStore keeps one file per record in a shared directory.
type FileStore struct {
	baseDir string
	limit   int64
	mu      sync.Mutex
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, seqDir), 0750); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, limit: MaxRecordSize}, nil
}

// Dir returns the directory records are written to.
func (s *FileStore) Dir() string {
	return s.baseDir
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.baseDir, name)
}

// writeAtomic writes data next to path and renames it into place, so readers never observe
// a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) nextSeq(name string) (uint64, error) {
	path := filepath.Join(s.baseDir, seqDir, name)

	var last uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		last, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse sequence for %s: %w", name, err)
		}
	case !os.IsNotExist(err):
		return 0, fmt.Errorf("read sequence for %s: %w", name, err)
	}

	next := last + 1
	if err := writeAtomic(path, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, fmt.Errorf("store sequence for %s: %w", name, err)
	}
	return next, nil
}

func (s *FileStore) Put(ctx context.Context, rec Record) (Record, error) {
	if err := validName(rec.Name); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	if err := checkSize(rec.Name, framedSize(rec), s.limit); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", rec.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq(rec.Name)
	if err != nil {
		return Record{}, err
	}
	rec.Seq = seq

	if err := writeAtomic(s.path(rec.Name), encode(rec)); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", rec.Name, err)
	}
	return rec, nil
}

func (s *FileStore) Get(ctx context.Context, name string) (Record, error) {
	if err := validName(name); err != nil {
		return Record{}, err
	}

	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read %s: %w", name, err)
	}
	defer f.Close()
	return s.read(name, f)
}

// read decodes at most limit bytes from f.
func (s *FileStore) read(name string, f *os.File) (Record, error) {
	if fi, err := f.Stat(); err == nil {
		if err := checkSize(name, fi.Size(), s.limit); err != nil {
			return Record{}, unreadable(err)
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, s.limit+1))
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", name, err)
	}
	if err := checkSize(name, int64(len(data)), s.limit); err != nil {
		return Record{}, unreadable(err)
	}
	return decode(name, data)
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// DeleteSeq renames the record to a private claim file first, so a Put racing with it
// lands on a fresh file instead of being removed. A claimed record that turns out to be
// newer than seq is linked back, unless a still newer one has been written meanwhile.
func (s *FileStore) DeleteSeq(ctx context.Context, name string, seq uint64) error {
	if err := validName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.baseDir, "."+name+".*.claimed")
	if err != nil {
		return fmt.Errorf("claim %s: %w", name, err)
	}
	claimed := tmp.Name()
	tmp.Close()
	defer os.Remove(claimed)

	if err := os.Rename(s.path(name), claimed); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("claim %s: %w", name, err)
	}

	f, err := os.Open(claimed)
	if err != nil {
		return s.unclaim(name, claimed, fmt.Errorf("read claimed %s: %w", name, err))
	}
	rec, err := s.read(name, f)
	f.Close()
	switch {
	case errors.Is(err, ErrMalformedRecord):
		return nil
	case err != nil:
		return s.unclaim(name, claimed, err)
	case rec.Seq != seq:
		return s.unclaim(name, claimed, fmt.Errorf("%w: %s has seq %d, want %d", ErrSuperseded, name, rec.Seq, seq))
	}
	return nil
}

// unclaim puts a claimed record back and returns cause. os.Link refuses to overwrite, so a
// record written after the claim wins.
func (s *FileStore) unclaim(name, claimed string, cause error) error {
	dst := s.path(name)
	err := os.Link(claimed, dst)
	switch {
	case err == nil, os.IsExist(err):
		return cause
	}

	// Filesystems without hard links.
	if _, serr := os.Stat(dst); !os.IsNotExist(serr) {
		return cause
	}
	if err := os.Rename(claimed, dst); err != nil {
		return errors.Join(cause, fmt.Errorf("restore %s: %w", name, err))
	}
	return cause
}

func (s *FileStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", name, err)
}

// Purge removes every record file. Hidden entries, which hold the sequence counters and
// in-flight temp files, are left alone.
func (s *FileStore) Purge(ctx context.Context) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("list channel dir: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.Remove(s.path(e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
