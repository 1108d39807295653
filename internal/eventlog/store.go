// Package eventlog persists session events as append-only JSONL files laid
// out the way the agent lays out its own transcripts:
//
//	<root>/<encoded-working-dir>/<session-id>.jsonl
//
// One root is writable and owned by the hub. Source roots (typically the
// agent's own projects directory) are only ever read.
package eventlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrInvalidRecord is returned by Append for records that would not occupy
// exactly one line.
var ErrInvalidRecord = errors.New("record must be a single non-empty line")

const fileSuffix = ".jsonl"

// File describes one session log file.
type File struct {
	Path      string
	SessionID string
	Dir       string // encoded working directory
	Writable  bool
	Size      int64
	ModTime   time.Time
}

// Cursor records how far a file has been read.
type Cursor struct {
	Path     string
	Offset   int64
	Writable bool
}

// Options configures a Store.
type Options struct {
	Root             string
	Sources          []string
	SummaryCacheSize int
	Logger           *zap.Logger
}

// Store reads and appends session logs.
type Store struct {
	root    string
	sources []string
	log     *zap.Logger

	mu     sync.Mutex
	files  map[string]*logFile
	closed bool

	summaries *lru.Cache[string, *summaryEntry]
}

type logFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// Open prepares the writable root and returns a Store.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("eventlog: root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	size := opts.SummaryCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *summaryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sources := make([]string, 0, len(opts.Sources))
	for _, src := range opts.Sources {
		if src == "" || filepath.Clean(src) == filepath.Clean(opts.Root) {
			continue
		}
		sources = append(sources, src)
	}

	return &Store{
		root:      opts.Root,
		sources:   sources,
		log:       logger.Named("eventlog"),
		files:     make(map[string]*logFile),
		summaries: cache,
	}, nil
}

// Root returns the writable root.
func (s *Store) Root() string { return s.root }

// Roots returns the writable root followed by the source roots.
func (s *Store) Roots() []string {
	return append([]string{s.root}, s.sources...)
}

// IsWritable reports whether path lives under the writable root.
func (s *Store) IsWritable(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// EncodeDir turns a working directory into the directory name used under a
// root, matching the agent's scheme.
func EncodeDir(cwd string) string {
	if cwd == "" {
		return "-"
	}
	return strings.NewReplacer("/", "-", ".", "-").Replace(cwd)
}

// Append writes one record to the session's writable log and syncs it to
// disk before returning. The cursor points just past the new line.
func (s *Store) Append(sessionID, cwd string, raw []byte) (Cursor, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.ContainsAny(raw, "\r\n") {
		return Cursor{}, ErrInvalidRecord
	}

	lf, err := s.open(sessionID, cwd)
	if err != nil {
		return Cursor{}, err
	}

	line := make([]byte, 0, len(raw)+1)
	line = append(line, raw...)
	line = append(line, '\n')

	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return Cursor{}, fmt.Errorf("append %s: %w", sessionID, os.ErrClosed)
	}
	n, err := lf.f.Write(line)
	lf.size += int64(n)
	if err != nil {
		return Cursor{}, fmt.Errorf("append %s: %w", sessionID, err)
	}
	if err := lf.f.Sync(); err != nil {
		return Cursor{}, fmt.Errorf("sync %s: %w", sessionID, err)
	}
	return Cursor{Path: lf.path, Offset: lf.size, Writable: true}, nil
}

func (s *Store) open(sessionID, cwd string) (*logFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("open log %s: %w", sessionID, os.ErrClosed)
	}
	if lf, ok := s.files[sessionID]; ok {
		return lf, nil
	}

	path := filepath.Join(s.root, EncodeDir(cwd), sessionID+fileSuffix)
	if existing := s.globRoot(s.root, sessionID); len(existing) > 0 {
		path = existing[0]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // path built from our root
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	lf := &logFile{path: path, f: f, size: info.Size()}
	s.files[sessionID] = lf
	return lf, nil
}

func (s *Store) globRoot(root, sessionID string) []string {
	matches, err := filepath.Glob(filepath.Join(root, "*", sessionID+fileSuffix))
	if err != nil {
		return nil
	}
	return matches
}

// Locate returns every file holding records for sessionID, writable file
// first, then source files oldest first.
func (s *Store) Locate(sessionID string) []File {
	var out []File
	for i, root := range s.Roots() {
		for _, path := range s.globRoot(root, sessionID) {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			out = append(out, fileFor(path, info, i == 0))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Writable != out[j].Writable {
			return out[i].Writable
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out
}

func fileFor(path string, info os.FileInfo, writable bool) File {
	return File{
		Path:      path,
		SessionID: strings.TrimSuffix(filepath.Base(path), fileSuffix),
		Dir:       filepath.Base(filepath.Dir(path)),
		Writable:  writable,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
	}
}

// ReadSession replays a session's history. When the hub owns a log for the
// session only that log is read; otherwise the session is imported from the
// source files. The returned cursors say where each file was read up to.
func (s *Store) ReadSession(sessionID string, fn func(Record) error) ([]Cursor, error) {
	files := s.Locate(sessionID)
	if len(files) > 0 && files[0].Writable {
		files = files[:1]
	}

	cursors := make([]Cursor, 0, len(files))
	for _, f := range files {
		next, err := readFrom(s.log, f.Path, 0, f.Writable, fn)
		cursors = append(cursors, Cursor{Path: f.Path, Offset: next, Writable: f.Writable})
		if err != nil {
			return cursors, fmt.Errorf("read %s: %w", f.Path, err)
		}
	}
	return cursors, nil
}

// ReadFrom tails path from offset and returns the new offset.
func (s *Store) ReadFrom(path string, offset int64, fn func(Record) error) (int64, error) {
	return readFrom(s.log, path, offset, s.IsWritable(path), fn)
}

// Scan lists every session file under all roots. Missing roots are skipped;
// nested directories such as subagent transcripts are not descended into.
func (s *Store) Scan() ([]File, error) {
	var files []File
	for i, root := range s.Roots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return files, fmt.Errorf("scan %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			matches, err := filepath.Glob(filepath.Join(dir, "*"+fileSuffix))
			if err != nil {
				continue
			}
			for _, path := range matches {
				info, err := os.Stat(path)
				if err != nil || info.IsDir() {
					continue
				}
				files = append(files, fileFor(path, info, i == 0))
			}
		}
	}
	return files, nil
}

// Delete removes the hub's log for a session. Source files are left alone.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	if lf, ok := s.files[sessionID]; ok {
		lf.mu.Lock()
		if lf.f != nil {
			_ = lf.f.Close()
			lf.f = nil
		}
		lf.mu.Unlock()
		delete(s.files, sessionID)
	}
	s.mu.Unlock()

	var errs []error
	for _, path := range s.globRoot(s.root, sessionID) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		s.summaries.Remove(path)
	}
	return errors.Join(errs...)
}

// Close closes every open log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for id, lf := range s.files {
		lf.mu.Lock()
		if lf.f != nil {
			errs = append(errs, lf.f.Close())
			lf.f = nil
		}
		lf.mu.Unlock()
		delete(s.files, id)
	}
	return errors.Join(errs...)
}
