package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ernie/deathwatch/internal/config"
	"github.com/ernie/deathwatch/internal/domain"
)

// DefaultPattern matches the active structured-log files written by the
// game server.
const DefaultPattern = "dl_*.ljson"

const scanBlockSize = 4096

// Options configures a Tailer.
type Options struct {
	Pattern      string // filename glob, DefaultPattern when empty
	TailMode     string // config.TailNewestOnly or config.TailNewestWithBacklog
	BacklogLines int    // replayed lines for TailNewestWithBacklog
	Archive      bool   // move rotated files into archive/
	Compress     bool   // gzip archived files
}

// Tailer incrementally reads one source directory's active log file.
// It discovers the latest file by modification time, resumes from a
// byte cursor, survives rotation and truncation, and never consumes a
// partial trailing line. The caller persists the cursor after the
// yielded events are fully processed.
type Tailer struct {
	serverID   string
	logsDir    string
	opts       Options
	cursor     int64
	activeFile string
}

// NewTailer creates a tailer for one source, resuming from the last
// persisted cursor (0 for a first attach).
func NewTailer(serverID, logsDir string, cursor int64, opts Options) *Tailer {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	if opts.TailMode == "" {
		opts.TailMode = config.TailNewestOnly
	}
	return &Tailer{
		serverID: serverID,
		logsDir:  logsDir,
		opts:     opts,
		cursor:   cursor,
	}
}

// ServerID returns the source identifier this tailer reads for.
func (t *Tailer) ServerID() string { return t.serverID }

// Cursor returns the byte offset of the next unread terminated line.
func (t *Tailer) Cursor() int64 { return t.cursor }

// SetCursor rewinds or advances the cursor. The engine uses it to fall
// back to the last durably persisted offset when reconciling a batch
// fails partway, so the unpersisted events replay on the next poll.
func (t *Tailer) SetCursor(offset int64) { t.cursor = offset }

// ActiveFile returns the path of the currently tailed file, or "".
func (t *Tailer) ActiveFile() string { return t.activeFile }

// findLatestFile resolves the newest matching file by modification time.
func (t *Tailer) findLatestFile() (string, error) {
	matches, err := filepath.Glob(filepath.Join(t.logsDir, t.opts.Pattern))
	if err != nil {
		return "", fmt.Errorf("globbing %s: %w", t.logsDir, err)
	}
	latest := ""
	var latestMod int64
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if latest == "" || info.ModTime().UnixNano() >= latestMod {
			latest = match
			latestMod = info.ModTime().UnixNano()
		}
	}
	return latest, nil
}

// ensureLatest attaches to the newest log file, handling rotation and
// first attach. Returns false when the source has no file to read.
func (t *Tailer) ensureLatest() (bool, error) {
	latest, err := t.findLatestFile()
	if err != nil {
		return false, err
	}
	if latest == "" {
		return false, nil
	}

	if t.activeFile == "" {
		// First attach after construction: a restored cursor resumes on
		// the latest file unless it points past its end, which marks a
		// rotation boundary that happened while we were down.
		t.activeFile = latest
		size := fileSize(latest)
		if t.cursor > size {
			t.cursor = 0
		}
		if t.cursor == 0 {
			return true, t.initCursor(latest)
		}
		return true, nil
	}

	if latest != t.activeFile {
		// Rotation: a newer file appeared. Unread bytes of the old file
		// are abandoned; archiving failure must not stop tailing.
		if t.opts.Archive {
			if err := archiveFile(t.activeFile, t.opts.Compress); err != nil {
				log.Printf("Warning: archiving %s: %v", t.activeFile, err)
			}
		}
		t.activeFile = latest
		t.cursor = 0
		return true, t.initCursor(latest)
	}
	return true, nil
}

// initCursor applies the configured tail mode to a freshly attached file.
func (t *Tailer) initCursor(path string) error {
	switch t.opts.TailMode {
	case config.TailNewestWithBacklog:
		offset, err := backlogOffset(path, t.opts.BacklogLines)
		if err != nil {
			return err
		}
		t.cursor = offset
	default:
		t.cursor = fileSize(path)
	}
	return nil
}

// ReadEvents drains the fully-terminated lines currently available past
// the cursor and returns them in file order. A trailing line without a
// terminator is a writer's in-progress line: it is left unread and the
// cursor stays before it, so the next call re-examines it.
func (t *Tailer) ReadEvents() ([]domain.LogEvent, error) {
	ok, err := t.ensureLatest()
	if err != nil || !ok {
		return nil, err
	}

	file, err := os.Open(t.activeFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	// Handle copytruncate: file shrank under the cursor
	if stat.Size() < t.cursor {
		t.cursor = 0
	}
	if stat.Size() == t.cursor {
		return nil, nil
	}

	if _, err := file.Seek(t.cursor, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to cursor: %w", err)
	}
	buf, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}

	var events []domain.LogEvent
	for len(buf) > 0 {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			// Partial line at end of stream: leave it for the next read
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		t.cursor += int64(idx) + 1

		text := strings.TrimSpace(string(line))
		if text == "" {
			continue
		}
		event := domain.LogEvent{ServerID: t.serverID, Raw: text, Offset: t.cursor}
		// Best-effort parse: malformed JSON still yields an event so the
		// downstream strict/lenient policy decides what to drop
		var data map[string]any
		if err := json.Unmarshal([]byte(text), &data); err == nil {
			event.Data = data
		}
		events = append(events, event)
	}
	return events, nil
}

// backlogOffset returns the byte offset immediately after the nth
// newline counting back from end-of-file, scanning block-wise so large
// files are not read whole. Fewer than n newlines means the whole file
// replays.
func backlogOffset(path string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	position := stat.Size()
	seen := 0
	for position > 0 {
		readSize := int64(scanBlockSize)
		if readSize > position {
			readSize = position
		}
		position -= readSize

		buf := make([]byte, readSize)
		if _, err := file.ReadAt(buf, position); err != nil && err != io.EOF {
			return 0, fmt.Errorf("reading block: %w", err)
		}

		for i := len(buf) - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				seen++
				if seen == n {
					return position + int64(i) + 1, nil
				}
			}
		}
	}
	return 0, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
