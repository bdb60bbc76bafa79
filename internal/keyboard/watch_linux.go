//go:build linux

package keyboard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	inputDir     = "/dev/input"
	pollInterval = 2 * time.Second
	// udev applies permissions shortly after the node appears.
	settleDelay = 200 * time.Millisecond
)

// WaitForDevice blocks until a keyboard matching match appears. It watches
// /dev/input and falls back to polling when inotify is unavailable.
func WaitForDevice(ctx context.Context, match, exclude string, log *slog.Logger) (DeviceInfo, error) {
	if log == nil {
		log = slog.Default()
	}
	if info, err := FindKeyboard(match, exclude); err == nil {
		return info, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("fsnotify unavailable, polling", "error", err)
		return pollForDevice(ctx, match, exclude)
	}
	defer watcher.Close()

	if err := watcher.Add(inputDir); err != nil {
		log.Debug("cannot watch input directory, polling", "error", err)
		return pollForDevice(ctx, match, exclude)
	}

	log.Info("waiting for keyboard", "match", match)

	// The device may have appeared between the first scan and Add.
	if info, err := FindKeyboard(match, exclude); err == nil {
		return info, nil
	}

	for {
		select {
		case <-ctx.Done():
			return DeviceInfo{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return pollForDevice(ctx, match, exclude)
			}
			if !event.Has(fsnotify.Create) || !strings.Contains(event.Name, "event") {
				continue
			}
			select {
			case <-ctx.Done():
				return DeviceInfo{}, ctx.Err()
			case <-time.After(settleDelay):
			}
			info, err := FindKeyboard(match, exclude)
			if err == nil {
				return info, nil
			}
			if !errors.Is(err, ErrNoDevice) {
				log.Debug("scan failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return pollForDevice(ctx, match, exclude)
			}
			log.Debug("watch error", "error", err)
		}
	}
}

func pollForDevice(ctx context.Context, match, exclude string) (DeviceInfo, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if info, err := FindKeyboard(match, exclude); err == nil {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return DeviceInfo{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
