package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const settleDelay = 100 * time.Millisecond

// Watch re-applies the manifest whenever it or a list file it references
// changes. It blocks until ctx is done.
func (im *Importer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed: create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]struct{})
	files := im.trackedFiles()
	// directories are watched since editors replace files on save
	if err := im.watchDirs(watcher, watched, files); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, tracked := files[filepath.Clean(event.Name)]; !tracked {
				continue
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(settleDelay):
			}
			drain(watcher.Events)

			log.Debug("Seed file changed", "file", event.Name)
			if _, err := im.Apply(ctx); err != nil {
				log.Warn("Seed reload incomplete", "path", im.path, "error", err)
			}

			files = im.trackedFiles()
			if err := im.watchDirs(watcher, watched, files); err != nil {
				log.Warn("Seed watcher could not follow new files", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Seed watcher error", "error", err)
		}
	}
}

// trackedFiles returns the manifest and every list file it references.
func (im *Importer) trackedFiles() map[string]struct{} {
	files := map[string]struct{}{filepath.Clean(im.path): {}}

	m, err := Load(im.path)
	if err != nil {
		return files
	}
	for _, spec := range m.Lists {
		if spec.File != "" {
			files[filepath.Clean(im.resolve(spec.File))] = struct{}{}
		}
	}
	return files
}

func (im *Importer) watchDirs(watcher *fsnotify.Watcher, watched, files map[string]struct{}) error {
	for file := range files {
		dir := filepath.Dir(file)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("seed: watch %s: %w", dir, err)
		}
		watched[dir] = struct{}{}
	}
	return nil
}

func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
