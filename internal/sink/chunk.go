// Package sink writes exported records into a rolling sequence of CSV chunk
// files. Each chunk holds at most MaxRecords rows plus one header row, is
// written under a ".part" name while open and renamed to its final name
// when it is finalized. Chunk files left in the directory by an earlier run
// with the same base name are removed when the writer is created.
package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const partSuffix = ".part"

// ChunkInfo describes one finalized chunk file.
type ChunkInfo struct {
	Index   int
	Path    string
	Records int
}

type Options struct {
	Dir         string
	Base        string
	MaxRecords  int
	Fields      []string
	Compression string
	// OnFinalize is called after a chunk reached its final name.
	OnFinalize func(ChunkInfo)
}

// ChunkWriter implements extractor.Sink. It is not safe for concurrent use.
type ChunkWriter struct {
	opts      Options
	current   *chunk
	nextIndex int
	finalized []ChunkInfo
	closed    bool
	logger    *slog.Logger
}

var _ extractor.Sink = (*ChunkWriter)(nil)

type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

type chunk struct {
	index    int
	path     string
	partPath string
	file     *os.File
	buf      *bufio.Writer
	comp     flushWriteCloser
	csv      *csv.Writer
	records  int
}

func New(opts Options) (*ChunkWriter, error) {
	if opts.MaxRecords <= 0 {
		return nil, fmt.Errorf("max records per chunk must be positive, got %d", opts.MaxRecords)
	}
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("at least one output field is required")
	}
	if opts.Base == "" {
		return nil, fmt.Errorf("output base name is required")
	}
	if _, err := extension(opts.Compression); err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %s: %w", opts.Dir, err)
	}
	w := &ChunkWriter{
		opts:      opts,
		nextIndex: 1,
		logger:    slog.Default().With("component", "chunk-writer", "dir", opts.Dir),
	}
	if err := w.removeStale(); err != nil {
		return nil, err
	}
	return w, nil
}

// StaleChunks lists files in dir that belong to the chunk sequence of base,
// finalized or not, in any compression.
func StaleChunks(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `_chunk_[0-9]+\.csv(\.gz|\.zst|\.lz4)?(\.part)?$`)
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && pattern.MatchString(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

func (w *ChunkWriter) removeStale() error {
	paths, err := StaleChunks(w.opts.Dir, w.opts.Base)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale chunk %s: %w", p, err)
		}
	}
	if len(paths) > 0 {
		w.logger.Info("removed chunks of an earlier run", "base", w.opts.Base, "files", len(paths))
	}
	return nil
}

// ChunkPath returns the final path of chunk n.
func ChunkPath(dir, base string, n int, compression string) string {
	ext, _ := extension(compression)
	return filepath.Join(dir, fmt.Sprintf("%s_chunk_%d.csv%s", base, n, ext))
}

func extension(compression string) (string, error) {
	switch strings.ToLower(compression) {
	case "", "none":
		return "", nil
	case "gzip":
		return ".gz", nil
	case "zstd":
		return ".zst", nil
	case "lz4":
		return ".lz4", nil
	default:
		return "", fmt.Errorf("unsupported compression %q", compression)
	}
}

// Append writes one row, opening a new chunk when none is open and
// finalizing the chunk once it holds MaxRecords rows.
func (w *ChunkWriter) Append(rec extractor.Record) error {
	if w.closed {
		return fmt.Errorf("append to closed chunk writer")
	}
	if w.current == nil {
		c, err := w.open(w.nextIndex)
		if err != nil {
			return err
		}
		w.current = c
		w.nextIndex++
	}
	if err := w.current.csv.Write(rec.Project(w.opts.Fields)); err != nil {
		return fmt.Errorf("writing row to %s: %w", w.current.partPath, err)
	}
	w.current.records++
	if w.current.records >= w.opts.MaxRecords {
		return w.finalize()
	}
	return nil
}

// Flush pushes buffered rows of the open chunk to its file.
func (w *ChunkWriter) Flush() error {
	if w.current == nil {
		return nil
	}
	return w.current.flush()
}

// Close finalizes the open chunk, if any. Further calls do nothing.
func (w *ChunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.current == nil {
		return nil
	}
	return w.finalize()
}

// Chunks lists finalized chunks in creation order.
func (w *ChunkWriter) Chunks() []ChunkInfo {
	return append([]ChunkInfo(nil), w.finalized...)
}

func (w *ChunkWriter) open(n int) (*chunk, error) {
	path := ChunkPath(w.opts.Dir, w.opts.Base, n, w.opts.Compression)
	part := path + partSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating chunk %s: %w", part, err)
	}
	c := &chunk{index: n, path: path, partPath: part, file: f, buf: bufio.NewWriterSize(f, 64*1024)}
	var dst io.Writer = c.buf
	switch strings.ToLower(w.opts.Compression) {
	case "gzip":
		c.comp = gzip.NewWriter(c.buf)
	case "zstd":
		enc, err := zstd.NewWriter(c.buf)
		if err != nil {
			f.Close()
			os.Remove(part)
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.comp = enc
	case "lz4":
		c.comp = lz4.NewWriter(c.buf)
	}
	if c.comp != nil {
		dst = c.comp
	}
	c.csv = csv.NewWriter(dst)
	if err := c.csv.Write(w.opts.Fields); err != nil {
		c.abort()
		return nil, fmt.Errorf("writing header to %s: %w", part, err)
	}
	w.logger.Debug("chunk opened", "chunk", n, "path", part)
	return c, nil
}

func (w *ChunkWriter) finalize() error {
	c := w.current
	w.current = nil
	if err := c.close(); err != nil {
		return fmt.Errorf("finalizing chunk %d: %w", c.index, err)
	}
	if err := os.Rename(c.partPath, c.path); err != nil {
		return fmt.Errorf("renaming %s: %w", c.partPath, err)
	}
	info := ChunkInfo{Index: c.index, Path: c.path, Records: c.records}
	w.finalized = append(w.finalized, info)
	w.logger.Info("chunk saved", "chunk", c.index, "records", c.records, "path", c.path)
	if w.opts.OnFinalize != nil {
		w.opts.OnFinalize(info)
	}
	return nil
}

func (c *chunk) flush() error {
	c.csv.Flush()
	if err := c.csv.Error(); err != nil {
		return fmt.Errorf("flushing rows: %w", err)
	}
	if c.comp != nil {
		if err := c.comp.Flush(); err != nil {
			return fmt.Errorf("flushing compressor: %w", err)
		}
	}
	return c.buf.Flush()
}

func (c *chunk) close() error {
	c.csv.Flush()
	err := c.csv.Error()
	if c.comp != nil {
		if cerr := c.comp.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := c.buf.Flush(); err == nil {
		err = ferr
	}
	if serr := c.file.Sync(); err == nil {
		err = serr
	}
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *chunk) abort() {
	c.file.Close()
	os.Remove(c.partPath)
}
