package commands

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fetchflow/pkg/config"
	"github.com/marmos91/fetchflow/pkg/request"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, cacheDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`logging:
  level: ERROR
  output: stderr
cache:
  backend: disk
  path: %s
requests:
  cache_in_disk: true
`, cacheDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestVersion(t *testing.T) {
	Version = "1.2.3"
	t.Cleanup(func() { Version = "dev"; versionShort = false })

	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", strings.TrimSpace(out))
}

func TestFetch_FileThroughCache(t *testing.T) {
	src := filepath.Join(t.TempDir(), "blob.txt")
	require.NoError(t, os.WriteFile(src, []byte("cached bytes"), 0644))
	cfgPath := writeConfig(t, t.TempDir())
	saveDir := t.TempDir()
	uri := "file://" + filepath.ToSlash(src)

	t.Cleanup(func() { fetchSaveDir, fetchOutput, fetchLocalOnly = "", "table", false })

	_, err := execute(t, "fetch", "--config", cfgPath, "-o", "json", "--save", saveDir, uri)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(saveDir, "blob.txt"))
	require.NoError(t, err)
	assert.Equal(t, "cached bytes", string(got))

	// The source is gone; only the cache can satisfy a local-only fetch now.
	require.NoError(t, os.Remove(src))
	fetchSaveDir = ""
	_, err = execute(t, "fetch", "--config", cfgPath, "-o", "json", "--local-only", uri)
	assert.NoError(t, err)
}

func TestFetch_LocalOnlyMissFails(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	t.Cleanup(func() { fetchOutput, fetchLocalOnly = "table", false })

	_, err := execute(t, "fetch", "--config", cfgPath, "-o", "json", "--local-only", "https://example.invalid/nothing")
	assert.ErrorContains(t, err, "1 of 1 requests did not complete")
}

func TestFetch_NameNeedsSingleURI(t *testing.T) {
	t.Cleanup(func() { fetchName = "" })

	_, err := execute(t, "fetch", "--name", "x", "file:///a", "file:///b")
	assert.ErrorContains(t, err, "single URI")
}

func TestLogs_ShowsTail(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "fetchflow.log")
	require.NoError(t, os.WriteFile(logFile, []byte(
		"[2026-01-01 10:00:00] [INFO] first\n"+
			"[2026-01-01 10:00:01] [INFO] second\n"+
			"[2026-01-01 10:00:02] [INFO] third\n"), 0644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  output: "+logFile+"\n"), 0600))
	t.Cleanup(func() { logsLines, logsSince = 100, "" })

	out, err := execute(t, "--config", cfgPath, "logs", "-n", "2")
	require.NoError(t, err)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "third")
}

func TestLogs_RejectsStdout(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  output: stdout\n"), 0600))

	_, err := execute(t, "--config", cfgPath, "logs")
	assert.Error(t, err)
}

func TestExtractTimestamp(t *testing.T) {
	text := extractTimestamp("[2026-01-01 10:00:00] [INFO] hello")
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.Local), text)

	js := extractTimestamp(`{"time":"2026-01-01T10:00:00.5Z","level":"INFO","msg":"hello"}`)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 500000000, time.UTC), js.UTC())

	assert.True(t, extractTimestamp("no timestamp").IsZero())
}

func TestTailer_HoldsPartialLine(t *testing.T) {
	var out bytes.Buffer
	src := strings.NewReader("one\ntw")
	tail := &tailer{r: bufio.NewReader(src)}
	tail.flush(&out)
	assert.Equal(t, "one\n", out.String())
	assert.Equal(t, "tw", tail.partial)

	tail.r = bufio.NewReader(strings.NewReader("o\n"))
	tail.flush(&out)
	assert.Equal(t, "one\ntwo\n", out.String())
}

func TestFetchOptions(t *testing.T) {
	t.Cleanup(func() { fetchLocalOnly, fetchNoCache = false, false })

	cfg := config.GetDefaultConfig()
	cfg.Requests.CacheInDisk = true
	cfg.Requests.Level = "network"
	fetchLocalOnly, fetchNoCache = true, true

	opts, err := fetchOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, request.LevelLocal, opts.Level)
	assert.False(t, opts.CacheInDisk)

	cfg.Requests.Level = "satellite"
	_, err = fetchOptions(cfg)
	assert.ErrorContains(t, err, "requests.level")
}
