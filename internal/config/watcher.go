package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/remflow/remflow/internal/logger"
)

// Watcher reloads the configuration file on change and notifies callbacks
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        logger.Logger
}

// Watch starts watching the configuration file for changes. The callback
// runs after each successful reload. Watch failures are reported to the
// caller, who may treat them as non-fatal.
func Watch(configPath string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fsw.Add(configPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", configPath, err)
	}

	w := &Watcher{
		configPath: configPath,
		watcher:    fsw,
		callbacks:  []func(*Config){},
		stopCh:     make(chan struct{}),
		log:        logger.New("config"),
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	go w.watchChanges()

	return w, nil
}

// OnChange registers an additional callback for configuration changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// watchChanges watches for configuration file changes
func (w *Watcher) watchChanges() {
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write {
				w.log.Info("Configuration file changed, reloading",
					logger.String("path", w.configPath),
				)

				config, err := Load(w.configPath)
				if err != nil {
					w.log.Warn("Failed to reload configuration, keeping previous",
						logger.Err(err),
					)
					continue
				}

				w.mu.Lock()
				callbacks := make([]func(*Config), len(w.callbacks))
				copy(callbacks, w.callbacks)
				w.mu.Unlock()

				for _, callback := range callbacks {
					callback(config)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Configuration watcher error", logger.Err(err))

		case <-w.stopCh:
			return
		}
	}
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}
