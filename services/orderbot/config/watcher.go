// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce batches the burst of events editors emit on save.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadFunc is called with the path of a file that changed. An error is
// logged; the watcher keeps running.
type ReloadFunc func(path string) error

// FileReloader watches a single file and calls a ReloadFunc after it
// settles.
//
// The parent directory is watched rather than the file itself, so the
// rename-over-original pattern most editors use keeps working.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. The ReloadFunc runs on
// the watcher's goroutine, one call at a time.
type FileReloader struct {
	path     string
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileReloader prepares a watcher for path. Nothing is watched until
// Start.
func NewFileReloader(path string, reload ReloadFunc, debounce time.Duration, logger *slog.Logger) (*FileReloader, error) {
	if path == "" {
		return nil, fmt.Errorf("NewFileReloader: path must not be empty")
	}
	if reload == nil {
		return nil, fmt.Errorf("NewFileReloader: reload must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("NewFileReloader: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewFileReloader: %w", err)
	}
	return &FileReloader{
		path:     abs,
		reload:   reload,
		debounce: debounce,
		logger:   logger,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the watch is registered.
func (r *FileReloader) Start(ctx context.Context) error {
	if err := r.watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(r.path), err)
	}
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (r *FileReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		_ = r.watcher.Close()
	})
	r.wg.Wait()
}

func (r *FileReloader) loop(ctx context.Context) {
	defer r.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
				timerC = timer.C
			} else {
				timer.Reset(r.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			if err := r.reload(r.path); err != nil {
				r.logger.Warn("reload failed, keeping previous version",
					slog.String("file", filepath.Base(r.path)),
					slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("file reloaded", slog.String("file", filepath.Base(r.path)))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}
