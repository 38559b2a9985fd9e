package pool

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the resource consumption of a worker process.
type Usage struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// Usage samples the worker process.
func (w *Worker) Usage(ctx context.Context) (Usage, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(w.Pid()))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if u.CPUPercent, err = proc.CPUPercentWithContext(ctx); err != nil {
		return Usage{}, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u.RSSBytes = mem.RSS
	return u, nil
}
