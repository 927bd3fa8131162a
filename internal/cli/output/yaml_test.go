package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
)

func TestPrintYAML_CacheStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintYAML(&buf, cache.Stats{Entries: 3, Size: 1024}))

	out := buf.String()
	assert.Contains(t, out, "entries: 3")
	assert.Contains(t, out, "size: 1024")
}

func TestPrintYAML_StatusName(t *testing.T) {
	data := []map[string]request.Status{
		{"status": request.StatusCompleted},
		{"status": request.StatusCanceled},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintYAML(&buf, data))

	out := buf.String()
	assert.Contains(t, out, "- status: COMPLETED")
	assert.Contains(t, out, "- status: CANCELED")
}
