package spool

import (
	"context"
	"os"
	"time"
)

// Janitor periodically sweeps a set of queue directories for orphaned
// job files: tickets whose hf/cf/df set has sat untouched past Retention,
// almost always left behind by a filter that was killed mid-run or a
// daemon crash between AtomicWrite and RemoveJobFiles. Grounded on
// daemon/janitor.go's mtime-cutoff sweep, retargeted from rclone job
// logs to job-ticket files.
type Janitor struct {
	Dirs      func() []*Dir
	Retention time.Duration
	Interval  time.Duration
	OnRemove  func(dir *Dir, hf string)
}

// Run blocks, sweeping every Interval until ctx is cancelled. A zero
// Retention disables the sweep entirely (the default: spec.md has no
// mandatory retention policy, so this is opt-in via admin settings).
func (j *Janitor) Run(ctx context.Context) {
	if j.Retention <= 0 {
		return
	}
	interval := j.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	j.sweep()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	cutoff := time.Now().Add(-j.Retention)
	for _, d := range j.Dirs() {
		tickets, err := d.ScanTickets()
		if err != nil {
			continue
		}
		for _, tk := range tickets {
			hf, _, _ := tk.SpoolFileNames()
			fi, err := os.Stat(d.join(hf))
			if err != nil || !fi.ModTime().Before(cutoff) {
				continue
			}
			if err := d.RemoveJobFiles(tk); err == nil && j.OnRemove != nil {
				j.OnRemove(d, hf)
			}
		}
	}
}
