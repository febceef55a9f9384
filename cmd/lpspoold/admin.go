package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lprng-go/lpspoold/internal/handlers"
	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/server"
	"github.com/lprng-go/lpspoold/internal/spool"
)

func qForStatus(name string, dir *spool.Dir) handlers.Queue {
	return handlers.Queue{Name: name, Dir: dir}
}

// The registry satisfies server.Backend, giving the admin API direct
// access to the same spool dirs and running schedulers the wire
// protocol uses, without cmd/lpspoold's entrypoint importing
// internal/server's gin router (only the interface flows that way).

func (r *registry) QueueNames(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.dirs))
	for n := range r.dirs {
		names = append(names, n)
	}
	return names, nil
}

func (r *registry) QueueStatus(ctx context.Context, name string, long bool) (string, error) {
	dir, err := r.dirFor(name)
	if err != nil {
		return "", err
	}
	return r.status(ctx, qForStatus(name, dir), long, nil)
}

func (r *registry) Jobs(ctx context.Context, name string) ([]server.JobSummary, error) {
	dir, err := r.dirFor(name)
	if err != nil {
		return nil, err
	}
	tickets, err := dir.ScanTickets()
	if err != nil {
		return nil, err
	}
	out := make([]server.JobSummary, 0, len(tickets))
	for _, tk := range tickets {
		st := tk.Derive()
		out = append(out, server.JobSummary{
			Number:     tk.Number,
			Identifier: tk.Identifier,
			FromHost:   tk.FromHost,
			Logname:    tk.Logname,
			Held:       st == jobticket.StateHeld,
			Removing:   st == jobticket.StateRemoved,
			Done:       st == jobticket.StateDone,
			Error:      tk.Error,
			Attempt:    tk.Attempt,
		})
	}
	return out, nil
}

func (r *registry) HoldJob(ctx context.Context, name string, number int) error {
	return r.mutateJob(name, number, func(tk *jobticket.Ticket) {
		tk.HoldTime = time.Now().Unix()
	})
}

func (r *registry) ReleaseJob(ctx context.Context, name string, number int) error {
	if err := r.mutateJob(name, number, func(tk *jobticket.Ticket) {
		tk.HoldTime = 0
	}); err != nil {
		return err
	}
	r.mu.Lock()
	rq, ok := r.running[name]
	r.mu.Unlock()
	if ok {
		rq.sched.Wake()
	}
	return nil
}

func (r *registry) RemoveJob(ctx context.Context, name string, number int) error {
	dir, err := r.dirFor(name)
	if err != nil {
		return err
	}
	tickets, err := dir.ScanTickets()
	if err != nil {
		return err
	}
	for _, tk := range tickets {
		if tk.Number != number {
			continue
		}
		return dir.RemoveJobFiles(tk)
	}
	return fmt.Errorf("job %d not found in queue %s", number, name)
}

func (r *registry) StartQueue(ctx context.Context, name string) error {
	r.start(ctx, name)
	return nil
}

func (r *registry) LogPath(name string) string {
	r.mu.Lock()
	d, ok := r.dirs[name]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	return d.LogPath()
}

func (r *registry) mutateJob(name string, number int, mutate func(tk *jobticket.Ticket)) error {
	dir, err := r.dirFor(name)
	if err != nil {
		return err
	}
	tickets, err := dir.ScanTickets()
	if err != nil {
		return err
	}
	for _, tk := range tickets {
		if tk.Number != number {
			continue
		}
		mutate(tk)
		return dir.WriteTicket(tk)
	}
	return fmt.Errorf("job %d not found in queue %s", number, name)
}
