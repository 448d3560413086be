package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// RulesWatcher reloads the rule configuration when rules.yaml changes on
// disk. Editors often replace the file, so the watch sits on the directory
// and matches by base name.
type RulesWatcher struct {
	provider *RuleProvider
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}
}

func NewRulesWatcher(provider *RuleProvider) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{
		provider: provider,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Missing directories degrade to no watch rather
// than failing startup.
func (w *RulesWatcher) Start() error {
	dir := filepath.Dir(w.provider.Path())
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch rule config directory")
		close(w.done)
		return nil
	}
	go w.watchForChanges()
	log.Info().Str("path", w.provider.Path()).Msg("Started watching rule config for changes")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *RulesWatcher) Stop() {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
	<-w.done
}

// Reload forces a reload outside the file watch, e.g. from SIGHUP.
func (w *RulesWatcher) Reload() {
	w.reload("signal")
}

func (w *RulesWatcher) watchForChanges() {
	defer close(w.done)
	base := filepath.Base(w.provider.Path())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base && event.Name != w.provider.Path() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce so a replace-write has finished before the read.
			time.Sleep(100 * time.Millisecond)
			w.reload(event.Op.String())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Rule config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *RulesWatcher) reload(trigger string) {
	if err := w.provider.Reload(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", w.provider.Path()).Msg("Rule config file removed, keeping previous config")
			return
		}
		log.Warn().Err(err).Str("trigger", trigger).Msg("Failed to reload rule config, keeping previous config")
		return
	}
	log.Info().Str("trigger", trigger).Str("path", w.provider.Path()).Msg("Reloaded rule config")
}
