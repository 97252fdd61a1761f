package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/sagenet/pkg/log"
)

// Watcher invalidates the cached sage whenever the sage node or sage key
// file in the home directory changes.
type Watcher struct {
	svc     *Service
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	invalidations atomic.Int64
	stop          chan struct{}
	done          chan struct{}
	once          sync.Once
}

// NewWatcher starts watching svc's home directory
func NewWatcher(svc *Service) (*Watcher, error) {
	home := svc.HomeDir()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("prepare home %s: %w", home, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create home watcher: %w", err)
	}
	if err := fw.Add(home); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", home, err)
	}
	w := &Watcher{
		svc:     svc,
		watcher: fw,
		logger:  log.WithComponent("identity-watcher"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Invalidations counts how many times the sage cache was dropped.
func (w *Watcher) Invalidations() int64 {
	return w.invalidations.Load()
}

// Close stops the watcher
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sageFile(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			w.svc.InvalidateSage()
			w.invalidations.Add(1)
			w.logger.Info().Str("file", filepath.Base(ev.Name)).Str("op", ev.Op.String()).Msg("Sage changed on disk")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Home watcher error")
		}
	}
}

func sageFile(path string) bool {
	switch filepath.Base(path) {
	case SageNodeFile, SageKeyFile:
		return true
	}
	return false
}
