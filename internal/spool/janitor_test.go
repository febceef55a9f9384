package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lprng-go/lpspoold/internal/jobticket"
)

func TestJanitorPurgesOnlyStaleJobs(t *testing.T) {
	dir, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	stale := &jobticket.Ticket{Identifier: "old", Number: 1, Priority: 'A', Hostname: "h1"}
	fresh := &jobticket.Ticket{Identifier: "new", Number: 2, Priority: 'A', Hostname: "h1"}
	if err := dir.WriteTicket(stale); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if err := dir.WriteTicket(fresh); err != nil {
		t.Fatalf("write fresh: %v", err)
	}

	hf, _, _ := stale.SpoolFileNames()
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir.Path, hf), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	var removed []string
	j := &Janitor{
		Dirs:      func() []*Dir { return []*Dir{dir} },
		Retention: 24 * time.Hour,
		OnRemove:  func(d *Dir, name string) { removed = append(removed, name) },
	}
	j.sweep()

	if len(removed) != 1 || removed[0] != hf {
		t.Fatalf("removed = %v, want just %q", removed, hf)
	}
	if _, err := dir.ReadTicket(hf); !os.IsNotExist(err) {
		t.Fatalf("expected stale ticket removed, got err=%v", err)
	}
	freshHF, _, _ := fresh.SpoolFileNames()
	if _, err := dir.ReadTicket(freshHF); err != nil {
		t.Fatalf("fresh ticket should survive sweep: %v", err)
	}
}

func TestJanitorZeroRetentionDisablesSweep(t *testing.T) {
	dir, _ := Open(t.TempDir())
	j := &Janitor{Dirs: func() []*Dir { return []*Dir{dir} }, Retention: 0}
	done := make(chan struct{})
	go func() {
		j.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero retention should return immediately")
	}
}
