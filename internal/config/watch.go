package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "namozbot/pkg/logx"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-reads the config file whenever it changes on disk and invokes
// onChange with the freshly validated config. Invalid intermediate states
// (editor half-writes, transient parse errors) are logged and skipped; the
// previous config stays in effect.
//
// Watch blocks until ctx is cancelled. The directory is watched rather than
// the file itself so rename-replace saves are picked up.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(Config)) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed; keeping previous", logx.Err(err), logx.String("path", path))
				return
			}
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		})
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename (robust across absolute/relative paths).
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr != nil {
					log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
				}
			}
		}
		_ = w.Close()
	}
}
