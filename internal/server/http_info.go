package server

import (
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sjqzhang/seelog"
)

// Status reports upload statistics together with process and host
// metrics.
func (this *Server) Status(w http.ResponseWriter, r *http.Request) {
	var (
		status   JsonResult
		sts      map[string]interface{}
		err      error
		appDir   string
		diskInfo *disk.UsageStat
		memInfo  *mem.VirtualMemoryStat
	)
	memStat := new(runtime.MemStats)
	runtime.ReadMemStats(memStat)
	sts = make(map[string]interface{})

	uploadStats := this.manager.Stats()
	sts["Up.Total"] = uploadStats.Total
	sts["Up.Active"] = uploadStats.Active
	sts["Up.Completed"] = uploadStats.Completed
	sts["Up.Failed"] = uploadStats.Failed
	sts["Up.Expired"] = this.manager.ExpiredTotal()
	if v, ok := this.statMap.GetValue(CONST_STAT_FILE_COUNT_KEY); ok {
		sts["Up.FileCount"] = v
	}
	if v, ok := this.statMap.GetValue(CONST_STAT_FILE_TOTAL_SIZE_KEY); ok {
		sts["Up.FileTotalSize"] = v
	}
	sts["Up.Uptime"] = time.Since(this.startTime).String()

	sts["Sys.NumGoroutine"] = runtime.NumGoroutine()
	sts["Sys.NumCpu"] = runtime.NumCPU()
	sts["Sys.Alloc"] = memStat.Alloc
	sts["Sys.TotalAlloc"] = memStat.TotalAlloc
	sts["Sys.HeapAlloc"] = memStat.HeapAlloc
	sts["Sys.HeapObjects"] = memStat.HeapObjects
	sts["Sys.NumGC"] = memStat.NumGC
	sts["Sys.GCCPUFraction"] = memStat.GCCPUFraction

	appDir, err = filepath.Abs(this.conf.UploadDir())
	if err != nil {
		log.Error(err)
	}
	diskInfo, err = disk.Usage(appDir)
	if err != nil {
		log.Error(err)
	}
	sts["Sys.DiskInfo"] = diskInfo
	memInfo, err = mem.VirtualMemory()
	if err != nil {
		log.Error(err)
	}
	sts["Sys.MemInfo"] = memInfo

	status.Status = "ok"
	status.Data = sts
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(this.util.JsonEncodePretty(status)))
}
