package config

import (
	"github.com/fsnotify/fsnotify"
)

// newFsWatcher is a thin wrapper over fsnotify.NewWatcher.
func newFsWatcher() (*fsnotify.Watcher, error) {
	return fsnotify.NewWatcher()
}

// run pumps fsnotify write events into reloads, merging only the
// non-structural fields of a freshly loaded config onto base before
// publishing. It returns once the watcher's Events or Errors channel is
// closed, closing both the fsnotify watcher and the updates channel.
func (w *Watcher) run(watcher *fsnotify.Watcher, base *Config) {
	defer watcher.Close()
	defer close(w.updates)

	current := *base
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous settings")
				continue
			}
			if structuralChanged(&current, reloaded) {
				w.log.Warn("ignoring structural config change (raid/chunk_size/accounts are immutable after init)")
				reloaded.Raid = current.Raid
				reloaded.Chunk.ChunkSize = current.Chunk.ChunkSize
			}
			current = *reloaded
			select {
			case w.updates <- reloaded:
			default:
				// drop stale pending update, the latest always wins
				select {
				case <-w.updates:
				default:
				}
				w.updates <- reloaded
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

func structuralChanged(a, b *Config) bool {
	if a.Chunk.ChunkSize != b.Chunk.ChunkSize {
		return true
	}
	if a.Raid.K != b.Raid.K || a.Raid.N != b.Raid.N || len(a.Raid.Accounts) != len(b.Raid.Accounts) {
		return true
	}
	return false
}
