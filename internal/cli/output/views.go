package output

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
)

// RequestTable renders request snapshots.
type RequestTable []request.Info

// Headers implements TableRenderer.
func (RequestTable) Headers() []string {
	return []string{"ID", "Name", "Status", "Cause", "Source", "Size", "Age"}
}

// Rows implements TableRenderer.
func (t RequestTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, info := range t {
		rows = append(rows, []string{
			ShortID(info.ID),
			info.Name,
			info.Status.String(),
			dash(info.Cause),
			source(info),
			size(info),
			humanize.Time(info.CreatedAt),
		})
	}
	return rows
}

// CacheTable renders cache entries.
type CacheTable []cache.Info

// Headers implements TableRenderer.
func (CacheTable) Headers() []string {
	return []string{"Key", "Size", "Stored", "Refs"}
}

// Rows implements TableRenderer.
func (t CacheTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, info := range t {
		rows = append(rows, []string{
			info.Key,
			humanize.IBytes(uint64(info.Size)),
			FormatTime(info.StoredAt),
			strconv.Itoa(info.Refs),
		})
	}
	return rows
}

// CacheStatsPairs renders store occupancy as key-value pairs for SimpleTable.
func CacheStatsPairs(backend string, s cache.Stats) [][2]string {
	limit := "unlimited"
	if s.MaxSize > 0 {
		limit = humanize.IBytes(uint64(s.MaxSize))
	}
	return [][2]string{
		{"Backend", backend},
		{"Entries", humanize.Comma(int64(s.Entries))},
		{"Size", humanize.IBytes(uint64(s.Size))},
		{"Limit", limit},
	}
}

// LocalTimeFormat is the layout used for timestamps in CLI output.
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime renders t in local time, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(LocalTimeFormat)
}

// ShortID truncates a request uuid to its first block.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func source(info request.Info) string {
	switch {
	case info.Status != request.StatusCompleted:
		return "-"
	case info.FromNetwork:
		return "network"
	default:
		return "cache"
	}
}

func size(info request.Info) string {
	switch {
	case info.Size > 0:
		return humanize.IBytes(uint64(info.Size))
	case info.Total > 0:
		return humanize.IBytes(uint64(info.Completed)) + "/" + humanize.IBytes(uint64(info.Total))
	default:
		return "-"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
