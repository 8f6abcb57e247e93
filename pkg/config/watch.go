package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mergechat/chat-api/pkg/rooms"
)

// Watcher reloads the filter presets when the config file changes on disk.
// Connection-level settings (listen address, databases, secrets) require a
// restart and are deliberately not reloaded.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	log     zerolog.Logger
	onLoad  func(map[string][]rooms.FilterRule)
}

// WatchPresets starts watching path. onLoad is called with the fresh preset
// map after every successful reload; it must be safe to call concurrently
// with readers.
func WatchPresets(log zerolog.Logger, path string, onLoad func(map[string][]rooms.FilterRule)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and configmap updates
	// replace the file, which drops a direct file watch.
	if err = fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		watcher: fsw,
		path:    filepath.Clean(path),
		log:     log.With().Str("component", "config_watcher").Logger(),
		onLoad:  onLoad,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Msg("Ignoring config reload with invalid content")
		return
	}
	w.log.Info().Int("presets", len(cfg.FilterPresets)).Msg("Reloaded filter presets")
	w.onLoad(cfg.FilterPresets)
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
