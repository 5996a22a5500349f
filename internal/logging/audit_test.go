package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	sink.Record(Entry{
		ThreadID:   "thread-1",
		Device:     "core-sw-01",
		Operation:  "show version",
		Success:    true,
		DurationMS: 420,
		Bytes:      1024,
	})
	sink.Record(Entry{
		Device:    "core-sw-02",
		Operation: "show interfaces",
		Success:   false,
		Error:     "transport: connection refused",
	})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	require.Len(t, entries, 2)

	assert.Equal(t, "core-sw-01", entries[0].Device)
	assert.Equal(t, "show version", entries[0].Operation)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(420), entries[0].DurationMS)
	assert.False(t, entries[0].Timestamp.IsZero(), "timestamp should be stamped on record")

	assert.False(t, entries[1].Success)
	assert.Equal(t, "transport: connection refused", entries[1].Error)
}

func TestFileSinkAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		require.NoError(t, err)
		sink.Record(Entry{Operation: "reload", Success: true})
		require.NoError(t, sink.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestFileSinkRecordAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	// Must not panic or write.
	sink.Record(Entry{Operation: "late", Success: true})
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileSinkStampsUTC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	sink.Record(Entry{Operation: "show version", Success: true})
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &e))
	assert.True(t, e.Timestamp.After(before))
}

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(Options{Level: "chatty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNamedBeforeInitIsSafe(t *testing.T) {
	// Named must never panic, even before Init.
	l := Named("capability")
	require.NotNil(t, l)
	l.Info("no-op before init")
}
