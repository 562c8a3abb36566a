package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/deathwatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir, name, content string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteString(content)
	require.NoError(t, err)
}

// replayAll is a tailer option set that starts every attached file from
// the beginning.
func replayAll() Options {
	return Options{TailMode: config.TailNewestWithBacklog, BacklogLines: 1 << 20}
}

func TestTailerEmptyDir(t *testing.T) {
	tailer := NewTailer("server-1", t.TempDir(), 0, Options{})
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTailerMissingDir(t *testing.T) {
	tailer := NewTailer("server-1", filepath.Join(t.TempDir(), "nope"), 0, Options{})
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTailerNewestOnlySkipsExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "dl_2026.ljson", "{\"event\":\"OLD\"}\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, Options{})
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events, "pre-existing lines are not replayed")

	appendLog(t, path, "{\"event\":\"NEW\"}\n")
	events, err = tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "server-1", events[0].ServerID)
	assert.Equal(t, "NEW", events[0].Data["event"])
}

func TestTailerIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "server.log", "plain text\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTailerReadsLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n{\"n\":2}\nnot json\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, float64(1), events[0].Data["n"])
	assert.Equal(t, float64(2), events[1].Data["n"])
	assert.Nil(t, events[2].Data, "non-JSON lines still yield an event")
	assert.Equal(t, "not json", events[2].Raw)
}

func TestTailerLeavesPartialLineUnread(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n{\"n\":2", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), events[0].Data["n"])

	// The writer finishes the line
	appendLog(t, path, "}\n")
	events, err = tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(2), events[0].Data["n"])
}

func TestTailerCursorIsExclusiveOfUnreadData(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n{\"n\":2}\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[1].Offset, tailer.Cursor())

	// A restart resuming from the persisted cursor sees nothing new
	resumed := NewTailer("server-1", dir, tailer.Cursor(), replayAll())
	events, err = resumed.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events, "no duplicates after a cursor resume")
}

func TestTailerSetCursorReplaysEvents(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n{\"n\":2}\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)

	tailer.SetCursor(events[0].Offset)
	events, err = tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(2), events[0].Data["n"])
}

func TestTailerRestoredCursorPastEOFStartsOver(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n", time.Now())

	// A cursor from before an unseen rotation points past the new file
	tailer := NewTailer("server-1", dir, 1<<30, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), events[0].Data["n"])
}

func TestTailerFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeLog(t, dir, "dl_a.ljson", "{\"n\":1}\n", base)

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)

	writeLog(t, dir, "dl_b.ljson", "{\"n\":2}\n", base.Add(time.Minute))
	events, err = tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(2), events[0].Data["n"])
	assert.Equal(t, filepath.Join(dir, "dl_b.ljson"), tailer.ActiveFile())
}

func TestTailerRotationArchivesOldFile(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeLog(t, dir, "dl_a.ljson", "{\"n\":1}\n", base)

	opts := replayAll()
	opts.Archive = true
	opts.Compress = true
	tailer := NewTailer("server-1", dir, 0, opts)
	_, err := tailer.ReadEvents()
	require.NoError(t, err)

	writeLog(t, dir, "dl_b.ljson", "{\"n\":2}\n", base.Add(time.Minute))
	_, err = tailer.ReadEvents()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, ArchiveDirName, "dl_a.ljson.gz"))
	assert.NoError(t, err, "rotated file is gzipped into archive/")
	_, err = os.Stat(filepath.Join(dir, "dl_a.ljson"))
	assert.True(t, os.IsNotExist(err), "original is removed after archiving")
}

func TestTailerSurvivesTruncation(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "dl_2026.ljson", "{\"n\":1}\n{\"n\":2}\n", time.Now())

	tailer := NewTailer("server-1", dir, 0, replayAll())
	events, err := tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)

	// copytruncate rotation: same path, file starts over
	require.NoError(t, os.WriteFile(path, []byte("{\"n\":3}\n"), 0o644))
	events, err = tailer.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(3), events[0].Data["n"])
}

func TestBacklogOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.ljson")
	// Four terminated lines of two bytes each
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	tests := []struct {
		n    int
		want int64
	}{
		{1, 8},
		{2, 6},
		{3, 4},
		{4, 2},
		{5, 0},
		{100, 0},
		{0, 0},
	}
	for _, tt := range tests {
		got, err := backlogOffset(path, tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "n=%d", tt.n)
	}
}

func TestBacklogOffsetSpansBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.ljson")
	line := make([]byte, scanBlockSize+1)
	for i := range line {
		line[i] = 'x'
	}
	line[len(line)-1] = '\n'
	content := append(append([]byte{}, line...), line...)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := backlogOffset(path, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(scanBlockSize+1), got)
}
