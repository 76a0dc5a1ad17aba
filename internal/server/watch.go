package server

import (
	"fmt"
	"time"

	"github.com/radovskyb/watcher"
	log "github.com/sjqzhang/seelog"
)

// WatchFilesChange keeps the file-count and total-size counters in step
// with the upload directory, picking up files placed there by other
// means as well. The temp directory is excluded so partial uploads do
// not show up in the stats.
func (this *Server) WatchFilesChange() {
	var (
		w *watcher.Watcher
	)
	w = watcher.New()
	w.FilterOps(watcher.Create, watcher.Remove)
	go func() {
		for {
			select {
			case event := <-w.Event:
				if event.IsDir() {
					continue
				}
				switch event.Op {
				case watcher.Create:
					this.statMap.AddCountInt64(CONST_STAT_FILE_COUNT_KEY, 1)
					this.statMap.AddCountInt64(CONST_STAT_FILE_TOTAL_SIZE_KEY, event.Size())
				case watcher.Remove:
					this.statMap.AddCountInt64(CONST_STAT_FILE_COUNT_KEY, -1)
					this.statMap.AddCountInt64(CONST_STAT_FILE_TOTAL_SIZE_KEY, -event.Size())
				}
				log.Info(fmt.Sprintf("WatchFilesChange op:%s path:%s", event.Op.String(), event.Path))
			case err := <-w.Error:
				log.Error(err)
			case <-w.Closed:
				return
			}
		}
	}()
	if err := w.AddRecursive(this.conf.UploadDir()); err != nil {
		log.Error(err)
	}
	w.Ignore(this.conf.TempDir())
	if err := w.Start(time.Millisecond * 100); err != nil {
		log.Error(err)
	}
}
