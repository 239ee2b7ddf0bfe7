package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestExtractWithMemoryEngine(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, context.Background(),
		"extract", "--engine", "memory", "--seed", "250",
		"--chunk-size", "100", "--batch", "33",
		"--output-dir", dir, "--base-name", "smoke",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded: 250 records in 3 chunks")

	total := 0
	for n, want := range []int{100, 100, 50} {
		path := filepath.Join(dir, "smoke_chunk_"+strconv.Itoa(n+1)+".csv")
		f, err := os.Open(path)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, []string{"timestamp", "level", "msg"}, rows[0])
		assert.Len(t, rows, want+1)
		total += len(rows) - 1
	}
	assert.Equal(t, 250, total)

	parts, _ := filepath.Glob(filepath.Join(dir, "*.part"))
	assert.Empty(t, parts)
}

func TestExtractReplacesEarlierRunInSameDir(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, context.Background(),
		"extract", "--engine", "memory", "--seed", "500", "--chunk-size", "100", "--output-dir", dir,
	)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs_chunk_7.csv.part"), []byte("partial"), 0o644))

	out, err := execute(t, context.Background(),
		"extract", "--engine", "memory", "--seed", "120", "--chunk-size", "100", "--output-dir", dir,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded: 120 records in 2 chunks")

	files, err := filepath.Glob(filepath.Join(dir, "logs_chunk_*"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "logs_chunk_1.csv"),
		filepath.Join(dir, "logs_chunk_2.csv"),
	}, files)

	total := 0
	for _, path := range files {
		f, err := os.Open(path)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		total += len(rows) - 1
	}
	assert.Equal(t, 120, total)
}

func TestExtractLevelFilter(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, context.Background(),
		"extract", "--engine", "memory", "--seed", "400", "--level", "error,warn",
		"--chunk-size", "1000", "--output-dir", dir, "--fields", "level,msg",
	)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "logs_chunk_1.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(rows), 1)
	for _, row := range rows[1:] {
		assert.Contains(t, []string{"ERROR", "WARN"}, row[0])
	}
}

func TestExtractRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"unknown level":  {"extract", "--engine", "memory", "--level", "FATAL"},
		"bad date":       {"extract", "--engine", "memory", "--start", "31/01/2024"},
		"reversed range": {"extract", "--engine", "memory", "--start", "2024-02-01", "--end", "2024-01-01"},
		"unknown engine": {"extract", "--engine", "solr"},
		"bad chunk size": {"extract", "--engine", "memory", "--chunk-size", "0"},
		"unknown flag":   {"extract", "--frobnicate"},
		"missing env":    {"extract", "--engine", "memory", "--env", "nowhere"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := execute(t, context.Background(), append(args, "--output-dir", dir)...)
			require.Error(t, err)
			assert.Equal(t, apperrors.ExitInvalid, apperrors.ExitCode(err), err.Error())
			files, _ := os.ReadDir(dir)
			assert.Empty(t, files, "nothing written")
		})
	}
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := execute(t, ctx,
		"extract", "--engine", "memory", "--seed", "10", "--output-dir", t.TempDir(),
	)
	require.Error(t, err)
	assert.Equal(t, apperrors.ExitCancelled, apperrors.ExitCode(err))
	assert.Contains(t, out, "cancelled: 0 records")
}

func TestCheckWithMemoryEngine(t *testing.T) {
	out, err := execute(t, context.Background(), "check", "--engine", "memory")
	require.NoError(t, err)

	var report health.Report
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &report))
	assert.Equal(t, health.StatusUp, report.Status)
	assert.Contains(t, report.Components, "search_engine")
}

func TestRunsNeedsPostgres(t *testing.T) {
	_, err := execute(t, context.Background(), "runs")
	require.Error(t, err)
	assert.Equal(t, apperrors.ExitInvalid, apperrors.ExitCode(err))
}
