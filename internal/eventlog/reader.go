package eventlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineSize       = 16 * 1024 * 1024
)

// Record is one line of a log file. Raw aliases the reader's buffer and is
// only valid for the duration of the callback.
type Record struct {
	Raw      []byte
	Path     string
	Offset   int64 // byte offset just past this line
	Writable bool
}

// scanCompleteLines is bufio.ScanLines without the final unterminated line,
// so a record that is still being written is left for the next read.
func scanCompleteLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

// readFrom calls fn for every complete line after offset and returns the
// offset just past the last line consumed.
func readFrom(log *zap.Logger, path string, offset int64, writable bool, fn func(Record) error) (int64, error) {
	file, err := os.Open(path) //nolint:gosec // paths come from our own roots
	if err != nil {
		return offset, err
	}
	defer file.Close()

	for {
		next, err := scanFrom(file, path, offset, writable, fn)
		if !errors.Is(err, bufio.ErrTooLong) {
			return next, err
		}
		skipped, ok, serr := skipLine(file, next)
		if serr != nil {
			return next, serr
		}
		if !ok {
			// Oversized record still being written.
			return next, nil
		}
		log.Warn("skipping oversized record",
			zap.String("path", path),
			zap.Int64("offset", next),
			zap.Int64("bytes", skipped-next))
		offset = skipped
	}
}

func scanFrom(file *os.File, path string, offset int64, writable bool, fn func(Record) error) (int64, error) {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, initialLineBuffer)
	scanner.Buffer(buf, maxLineSize)
	scanner.Split(scanCompleteLines)

	pos := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		pos += int64(len(line)) + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(Record{Raw: line, Path: path, Offset: pos, Writable: writable}); err != nil {
			return pos, err
		}
	}
	return pos, scanner.Err()
}

// skipLine finds the end of the line starting at offset. ok is false when
// no newline has been written yet.
func skipLine(file *os.File, offset int64) (next int64, ok bool, err error) {
	chunk := make([]byte, initialLineBuffer)
	pos := offset
	for {
		n, rerr := file.ReadAt(chunk, pos)
		if i := bytes.IndexByte(chunk[:n], '\n'); i >= 0 {
			return pos + int64(i) + 1, true, nil
		}
		pos += int64(n)
		if errors.Is(rerr, io.EOF) {
			return offset, false, nil
		}
		if rerr != nil {
			return offset, false, fmt.Errorf("skip oversized record in %s: %w", file.Name(), rerr)
		}
	}
}
