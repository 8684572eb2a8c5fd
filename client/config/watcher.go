package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/adwski/roomsync/client/coordinator"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultTuneTimeout = 2 * time.Second

var ErrWatch = errors.New("config watch failed")

type (
	// Tuner accepts live sync tolerance updates.
	Tuner interface {
		Tune(ctx context.Context, cfg coordinator.Config) error
	}

	WatcherConfig struct {
		Logger *zerolog.Logger
		Path   string
		Tuner  Tuner
	}

	// Watcher re-reads the sync section of the config file whenever the file
	// changes and hands valid values to the Tuner.
	Watcher struct {
		tuner   Tuner
		path    string
		watcher *fsnotify.Watcher
		current coordinator.Config
		logger  zerolog.Logger
	}
)

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, errors.Join(ErrWatch, err)
	}
	current, err := ReadSync(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Join(ErrWatch, err)
	}
	// editors replace files on save, so the directory is watched
	if err = fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, errors.Join(ErrWatch, err)
	}
	return &Watcher{
		tuner:   cfg.Tuner,
		path:    path,
		watcher: fw,
		current: current,
		logger: cfg.Logger.With().
			Str("component", "config-watcher").
			Str("path", path).
			Logger(),
	}, nil
}

func (w *Watcher) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		_ = w.watcher.Close()
		w.logger.Debug().Msg("watcher stopped")
		wg.Done()
	}()
	w.logger.Debug().Msg("watching config")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case errc <- errors.Join(ErrWatch, err):
			default:
				w.logger.Error().Err(err).Msg("watcher error")
			}
			return
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := ReadSync(w.path)
	if err != nil {
		// partial writes show up as parse errors; the next event retries
		w.logger.Warn().Err(err).Msg("config reload skipped")
		return
	}
	if next == w.current {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, defaultTuneTimeout)
	defer cancel()
	if err = w.tuner.Tune(tctx, next); err != nil {
		w.logger.Error().Err(err).Msg("failed to apply sync tuning")
		return
	}
	w.current = next
	w.logger.Info().Msg("sync tuning reloaded")
}
