package accesslog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tailer follows the access log file, surviving rotation and truncation.
// The watch is on the parent directory, because a rotated file's watch dies
// with the old inode.
type Tailer struct {
	path string
	agg  *Aggregator
	log  *zap.Logger

	file    *os.File
	reader  *bufio.Reader
	partial string
}

// NewTailer builds a Tailer feeding agg.
func NewTailer(path string, agg *Aggregator, log *zap.Logger) *Tailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tailer{path: path, agg: agg, log: log}
}

// open positions the tailer at the end of the current file (fromStart false)
// or its beginning (fromStart true, used after rotation).
func (t *Tailer) open(fromStart bool) error {
	t.closeFile()

	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	if !fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.partial = ""
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
}

// consume reads every complete line currently available.
func (t *Tailer) consume() {
	if t.reader == nil {
		return
	}

	// Truncation detection: the kernel offset past the new size means the
	// file was rewritten in place.
	if info, err := t.file.Stat(); err == nil {
		if offset, err := t.file.Seek(0, io.SeekCurrent); err == nil && offset > info.Size() {
			if _, err := t.file.Seek(0, io.SeekStart); err == nil {
				t.reader.Reset(t.file)
				t.partial = ""
			}
		}
	}

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			// Keep the trailing partial line for the next write event.
			t.partial += line
			return
		}
		full := strings.TrimRight(t.partial+line, "\n")
		t.partial = ""
		if full == "" {
			continue
		}
		rec, err := ParseLine(full)
		if err != nil {
			t.log.Debug("skipping unparseable access log line", zap.Error(err))
			continue
		}
		t.agg.Add(rec)
	}
}

// Run follows the log until ctx is cancelled. A missing file is not an
// error: the tailer waits for nginx to create it.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	defer t.closeFile()

	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return err
	}

	if err := t.open(false); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// Lines written between open and the first event.
	t.consume()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != t.path {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				// Rotation: a fresh file appeared, read it from the top.
				if err := t.open(true); err != nil {
					t.log.Warn("failed to reopen rotated access log", zap.Error(err))
					continue
				}
				t.consume()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.closeFile()
			case event.Op&fsnotify.Write != 0:
				if t.file == nil {
					if err := t.open(true); err != nil {
						continue
					}
				}
				t.consume()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("access log watcher error", zap.Error(err))
		}
	}
}
