package collector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// ArchiveDirName is the subdirectory rotated log files move into.
const ArchiveDirName = "archive"

// archiveFile moves a rotated log file into the archive/ subdirectory
// next to it. With compress set the file is rewritten as <name>.gz and
// the original removed. An existing destination is a collision and the
// file stays where it is.
func archiveFile(path string, compress bool) error {
	dir := filepath.Join(filepath.Dir(path), ArchiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(path))
	if compress {
		dest += ".gz"
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("archive destination %s already exists", dest)
	}

	if !compress {
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("moving to archive: %w", err)
		}
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening rotated file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	writer := gzip.NewWriter(out)
	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("compressing rotated file: %w", err)
	}
	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("finishing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing rotated file: %w", err)
	}
	return nil
}
