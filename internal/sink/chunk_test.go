package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fields = []string{"timestamp", "level", "msg"}

func record(i int) extractor.Record {
	src := fmt.Sprintf(`{"timestamp":"2024-01-01T00:00:%02d.000Z","level":"INFO","msg":"line %d"}`, i%60, i)
	return extractor.Record{ID: fmt.Sprintf("d%05d", i), Source: []byte(src)}
}

func readChunk(t *testing.T, path, compression string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var r io.Reader = f
	switch compression {
	case "gzip":
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer gz.Close()
		r = gz
	case "zstd":
		dec, err := zstd.NewReader(f)
		require.NoError(t, err)
		defer dec.Close()
		r = dec
	case "lz4":
		r = lz4.NewReader(f)
	}
	rows, err := csv.NewReader(r).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestChunkSizing(t *testing.T) {
	dir := t.TempDir()
	var seen []ChunkInfo
	w, err := New(Options{
		Dir:        dir,
		Base:       "logs",
		MaxRecords: 2000,
		Fields:     fields,
		OnFinalize: func(c ChunkInfo) { seen = append(seen, c) },
	})
	require.NoError(t, err)

	for i := 0; i < 4500; i++ {
		require.NoError(t, w.Append(record(i)))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	chunks := w.Chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, seen, chunks)
	for i, want := range []int{2000, 2000, 500} {
		assert.Equal(t, i+1, chunks[i].Index)
		assert.Equal(t, want, chunks[i].Records)
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("logs_chunk_%d.csv", i+1)), chunks[i].Path)

		rows := readChunk(t, chunks[i].Path, "none")
		require.Len(t, rows, want+1, "header plus rows")
		assert.Equal(t, fields, rows[0])
	}

	last := readChunk(t, chunks[2].Path, "none")
	assert.Equal(t, []string{"2024-01-01T00:00:59.000Z", "INFO", "line 4499"}, last[len(last)-1])

	matches, err := filepath.Glob(filepath.Join(dir, "*"+partSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExactMultipleLeavesNoEmptyChunk(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 10, Fields: fields})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(record(i)))
	}
	require.NoError(t, w.Close())
	assert.Len(t, w.Chunks(), 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNoRecordsNoFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 10, Fields: fields})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Error(t, w.Append(record(0)))
}

func TestFlushMakesRowsVisibleInPartFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 100, Fields: fields})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(record(i)))
	}
	require.NoError(t, w.Flush())

	part := ChunkPath(dir, "logs", 1, "none") + partSuffix
	rows := readChunk(t, part, "none")
	assert.Len(t, rows, 4)

	require.NoError(t, w.Close())
	_, err = os.Stat(part)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, readChunk(t, ChunkPath(dir, "logs", 1, "none"), "none"), 4)
}

func TestCompressedChunks(t *testing.T) {
	for _, comp := range []string{"gzip", "zstd", "lz4"} {
		t.Run(comp, func(t *testing.T) {
			dir := t.TempDir()
			w, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 50, Fields: fields, Compression: comp})
			require.NoError(t, err)
			for i := 0; i < 75; i++ {
				require.NoError(t, w.Append(record(i)))
			}
			require.NoError(t, w.Close())

			chunks := w.Chunks()
			require.Len(t, chunks, 2)
			ext := map[string]string{"gzip": ".gz", "zstd": ".zst", "lz4": ".lz4"}[comp]
			assert.Equal(t, filepath.Join(dir, "logs_chunk_2.csv"+ext), chunks[1].Path)

			assert.Len(t, readChunk(t, chunks[0].Path, comp), 51)
			rows := readChunk(t, chunks[1].Path, comp)
			require.Len(t, rows, 26)
			assert.Equal(t, "line 74", rows[25][2])
		})
	}
}

func TestNestedAndMissingFields(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 10, Fields: []string{"host.name", "status", "missing", "tags"}})
	require.NoError(t, err)
	require.NoError(t, w.Append(extractor.Record{
		ID:     "a",
		Source: []byte(`{"host":{"name":"web-1"},"status":9007199254740993,"tags":["a","b"]}`),
	}))
	require.NoError(t, w.Close())

	rows := readChunk(t, w.Chunks()[0].Path, "none")
	assert.Equal(t, []string{"web-1", "9007199254740993", "", `["a","b"]`}, rows[1])
}

func TestNewRemovesChunksOfEarlierRun(t *testing.T) {
	dir := t.TempDir()
	first, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 10, Fields: fields})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, first.Append(record(i)))
	}
	require.NoError(t, first.Close())
	require.Len(t, first.Chunks(), 5)

	leftovers := []string{
		"logs_chunk_6.csv.part",
		"logs_chunk_2.csv.gz",
		"logs_chunk_9.csv.zst.part",
	}
	keep := []string{"other_chunk_1.csv", "logs_chunk_1.csv.bak", "logs_summary.csv"}
	for _, name := range append(append([]string(nil), leftovers...), keep...) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	stale, err := StaleChunks(dir, "logs")
	require.NoError(t, err)
	assert.Len(t, stale, 8)

	second, err := New(Options{Dir: dir, Base: "logs", MaxRecords: 10, Fields: fields})
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		require.NoError(t, second.Append(record(1000 + i)))
	}
	require.NoError(t, second.Close())

	stale, err = StaleChunks(dir, "logs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "logs_chunk_1.csv"),
		filepath.Join(dir, "logs_chunk_2.csv"),
		filepath.Join(dir, "logs_chunk_3.csv"),
	}, stale)

	total := 0
	for _, c := range second.Chunks() {
		rows := readChunk(t, c.Path, "none")
		for _, row := range rows[1:] {
			assert.NotContains(t, []string{"line 0", "line 49"}, row[2])
		}
		total += len(rows) - 1
	}
	assert.Equal(t, 25, total)

	for _, name := range keep {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir(), Base: "logs", MaxRecords: 0, Fields: fields})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Base: "logs", MaxRecords: 1, Fields: fields, Compression: "brotli"})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Base: "logs", MaxRecords: 1})
	assert.Error(t, err)
}
