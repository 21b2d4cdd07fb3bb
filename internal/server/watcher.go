package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher calls a function, debounced, whenever a file changes
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	once    sync.Once
}

// WatchConfig watches path's directory so editors that replace the file
// on save are still seen. onChange runs on the debounce timer goroutine,
// never concurrently with itself.
func WatchConfig(path string, debounce time.Duration, onChange func()) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	cw := &ConfigWatcher{watcher: fw}
	fire := make(chan struct{}, 1)
	done := make(chan struct{})

	cw.wg.Add(2)
	go func() {
		defer cw.wg.Done()
		for {
			select {
			case <-fire:
				onChange()
			case <-done:
				return
			}
		}
	}()
	go func() {
		defer cw.wg.Done()
		defer close(done)

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod != 0 || filepath.Clean(event.Name) != abs {
					continue
				}

				if debounceTimer != nil {
					debounceTimer.Reset(debounce)
				} else {
					debounceTimer = time.AfterFunc(debounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				}

			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	log.WithField("path", abs).Debug("watching config")
	return cw, nil
}

// Close stops watching and waits for a running callback to finish
func (cw *ConfigWatcher) Close() {
	cw.once.Do(func() {
		if err := cw.watcher.Close(); err != nil {
			log.WithError(err).Warn("failed to close config watcher")
		}
	})
	cw.wg.Wait()
}
