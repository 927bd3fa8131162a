package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
)

func TestRequestTable(t *testing.T) {
	table := RequestTable{
		{
			ID:          "0f8fad5b-d9cb-469f-a165-70867728950e",
			Name:        "logo",
			Status:      request.StatusCompleted,
			FromNetwork: true,
			Size:        2048,
			CreatedAt:   time.Now(),
		},
		{
			ID:        "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			Name:      "offline",
			Status:    request.StatusCanceled,
			Cause:     "LEVEL_RESTRICTED",
			CreatedAt: time.Now(),
		},
		{
			ID:        "short",
			Name:      "partial",
			Status:    request.StatusDownloading,
			Total:     4096,
			Completed: 1024,
			CreatedAt: time.Now(),
		},
	}

	rows := table.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"0f8fad5b", "logo", "COMPLETED", "-", "network", "2.0 KiB"}, rows[0][:6])
	assert.Equal(t, []string{"7c9e6679", "offline", "CANCELED", "LEVEL_RESTRICTED", "-", "-"}, rows[1][:6])
	assert.Equal(t, "short", rows[2][0])
	assert.Equal(t, "1.0 KiB/4.0 KiB", rows[2][5])

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))
	assert.Contains(t, buf.String(), "STATUS")
	assert.Contains(t, buf.String(), "LEVEL_RESTRICTED")
}

func TestCacheTable(t *testing.T) {
	table := CacheTable{{Key: "https://x/a", Size: 1 << 20, Refs: 2}}

	rows := table.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"https://x/a", "1.0 MiB", "-", "2"}, rows[0])
}

func TestCacheStatsPairs(t *testing.T) {
	pairs := CacheStatsPairs("disk", cache.Stats{Entries: 1200, Size: 3 << 30})
	assert.Equal(t, [2]string{"Entries", "1,200"}, pairs[1])
	assert.Equal(t, [2]string{"Size", "3.0 GiB"}, pairs[2])
	assert.Equal(t, [2]string{"Limit", "unlimited"}, pairs[3])
}

func TestPrinter_FallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable, false)
	require.NoError(t, p.Print(map[string]int{"live": 1}))
	assert.Contains(t, buf.String(), `"live": 1`)
}
