package sharedlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/svcfields"
)

// followPoll catches writes on filesystems where notifications are unreliable.
const followPoll = time.Second

// Follow tails the log at path from the beginning and calls fn with every
// complete line until ctx is done or fn returns an error. The file need not
// exist yet. Truncation restarts reading from offset zero.
func Follow(ctx context.Context, path string, logger pslog.Logger, fn func(line []byte) error) error {
	logger = svcfields.WithSubsystem(logger, "sharedlog.follow")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sharedlog: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sharedlog: create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("sharedlog: watch %q: %w", dir, err)
	}

	t := &tail{path: abs, fn: fn}
	if err := t.drain(); err != nil {
		return err
	}
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				t.reset()
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("sharedlog.follow.watch_error", "error", err)
		case <-ticker.C:
		}
		if err := t.drain(); err != nil {
			return err
		}
	}
}

type tail struct {
	path    string
	offset  int64
	partial []byte
	fn      func([]byte) error
}

func (t *tail) reset() {
	t.offset = 0
	t.partial = nil
}

func (t *tail) drain() error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("sharedlog: open %q: %w", t.path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sharedlog: stat %q: %w", t.path, err)
	}
	if info.Size() < t.offset {
		t.reset()
	}
	if info.Size() == t.offset {
		return nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("sharedlog: seek: %w", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("sharedlog: read: %w", err)
	}
	t.offset += int64(len(chunk))
	buf := append(t.partial, chunk...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		if err := t.fn(buf[:idx]); err != nil {
			return err
		}
		buf = buf[idx+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}
