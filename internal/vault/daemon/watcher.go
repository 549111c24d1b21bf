package daemon

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchFileEvents monitors the inbox and queues new or rewritten files.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued files once they have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// readyChanges removes and returns the paths quiet for a full debounce
// interval.
func (d *Daemon) readyChanges(now time.Time) []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	return ready
}

func (d *Daemon) processPendingChanges() {
	for _, path := range d.readyChanges(time.Now()) {
		if err := d.ingestFile(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		}
	}
}
