package handlers

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/permission"
	"github.com/lprng-go/lpspoold/internal/spool"
)

type staticResolver struct {
	queues map[string][]Queue
}

func (r staticResolver) Resolve(name string) ([]Queue, error) {
	if qs, ok := r.queues[name]; ok {
		return qs, nil
	}
	return nil, nil
}

func newQueueDir(t *testing.T) *spool.Dir {
	t.Helper()
	d, err := spool.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open spool dir: %v", err)
	}
	return d
}

func serveOverPipe(t *testing.T, h *Handler) (client net.Conn) {
	t.Helper()
	server, cl := net.Pipe()
	go h.Serve(context.Background(), server)
	return cl
}

func TestHandlePrintCallsStartJob(t *testing.T) {
	var started string
	h := &Handler{StartJob: func(ctx context.Context, queue string) { started = queue }}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	cl.Write([]byte{OpPrint})
	cl.Write([]byte("lp0\n"))
	cl.Close()

	time.Sleep(50 * time.Millisecond)
	if started != "lp0" {
		t.Fatalf("started = %q, want lp0", started)
	}
}

func TestHandleReceiveWritesTicketAndDataFile(t *testing.T) {
	dir := newQueueDir(t)
	resolver := staticResolver{queues: map[string][]Queue{"lp0": {{Name: "lp0", Dir: dir}}}}
	var started string
	h := &Handler{Resolve: resolver, StartJob: func(ctx context.Context, q string) { started = q }}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	tk := &jobticket.Ticket{Identifier: "job1", Number: 7, Priority: 'A', Hostname: "cli"}
	ctrlImage := tk.Encode()

	go func() {
		cl.Write([]byte{OpReceive})
		cl.Write([]byte("lp0\n"))

		ack := make([]byte, 1)
		br := bufio.NewReader(cl)
		br.Read(ack) // initial ack for queue name

		cl.Write([]byte{subControl})
		cl.Write([]byte(intToHeader(len(ctrlImage), "cfA007cli")))
		cl.Write([]byte(ctrlImage))
		br.Read(ack)

		data := []byte("hello world")
		cl.Write([]byte{subData})
		cl.Write([]byte(intToHeader(len(data), "dfA007cli")))
		cl.Write(data)
		br.Read(ack)

		cl.Close()
	}()

	time.Sleep(100 * time.Millisecond)
	if started != "lp0" {
		t.Fatalf("StartJob not invoked, got %q", started)
	}
	tickets, err := dir.ScanTickets()
	if err != nil {
		t.Fatalf("scan tickets: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
}

func intToHeader(size int, name string) string {
	return itoa(size) + " " + name + "\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestHandleStatusAggregatesAcrossAll(t *testing.T) {
	d1 := newQueueDir(t)
	d2 := newQueueDir(t)
	resolver := staticResolver{queues: map[string][]Queue{
		"all": {{Name: "lp0", Dir: d1}, {Name: "lp1", Dir: d2}},
	}}
	h := &Handler{
		Resolve: resolver,
		Status: func(ctx context.Context, q Queue, long bool, args []string) (string, error) {
			return q.Name + ": idle\n", nil
		},
	}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	cl.Write([]byte{OpShort})
	cl.Write([]byte("all\n"))

	var buf bytes.Buffer
	buf.ReadFrom(cl)
	got := buf.String()
	if got != "lp0: idle\nlp1: idle\n" {
		t.Fatalf("status = %q", got)
	}
}

func TestHandleRemoveDeletesMatchingJob(t *testing.T) {
	dir := newQueueDir(t)
	tk := &jobticket.Ticket{Identifier: "job1", Number: 3, Priority: 'A', Hostname: "h", Logname: "alice"}
	if err := dir.WriteTicket(tk); err != nil {
		t.Fatalf("write ticket: %v", err)
	}
	resolver := staticResolver{queues: map[string][]Queue{"lp0": {{Name: "lp0", Dir: dir}}}}
	h := &Handler{Resolve: resolver}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	cl.Write([]byte{OpRemove})
	cl.Write([]byte("lp0 alice job1\n"))

	var buf bytes.Buffer
	buf.ReadFrom(cl)
	if buf.Len() == 0 {
		t.Fatal("expected a remove confirmation")
	}

	remaining, err := dir.ScanTickets()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected job removed, got %d remaining", len(remaining))
	}
}

func TestHandleControlDisableSetsPrintingDisabled(t *testing.T) {
	dir := newQueueDir(t)
	resolver := staticResolver{queues: map[string][]Queue{"lp0": {{Name: "lp0", Dir: dir}}}}
	h := &Handler{Resolve: resolver}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	cl.Write([]byte{OpControl})
	cl.Write([]byte("disable lp0\n"))

	var buf bytes.Buffer
	buf.ReadFrom(cl)

	ctrl, err := dir.ReadControl()
	if err != nil {
		t.Fatalf("read control: %v", err)
	}
	if !ctrl.PrintingDisabled {
		t.Fatal("expected printing_disabled to be set")
	}
}

func TestHandleControlHoldThenReleaseWakesScheduler(t *testing.T) {
	dir := newQueueDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "j", Number: 1, Priority: 'A', Hostname: "h1"})
	resolver := staticResolver{queues: map[string][]Queue{"lp0": {{Name: "lp0", Dir: dir}}}}

	var started string
	h := &Handler{Resolve: resolver, StartJob: func(ctx context.Context, queue string) { started = queue }}

	cl := serveOverPipe(t, h)
	cl.Write([]byte{OpControl})
	cl.Write([]byte("hold lp0 1\n"))
	var buf bytes.Buffer
	buf.ReadFrom(cl)
	cl.Close()

	all, err := dir.ScanTickets()
	if err != nil || len(all) != 1 {
		t.Fatalf("scan after hold: %v %d", err, len(all))
	}
	if all[0].Derive() != jobticket.StateHeld {
		t.Fatalf("expected job held after hold, got state %v", all[0].Derive())
	}
	if started != "" {
		t.Fatalf("hold should not wake the scheduler, got start(%q)", started)
	}

	cl2 := serveOverPipe(t, h)
	cl2.Write([]byte{OpControl})
	cl2.Write([]byte("release lp0 1\n"))
	var buf2 bytes.Buffer
	buf2.ReadFrom(cl2)
	cl2.Close()

	all, err = dir.ScanTickets()
	if err != nil || len(all) != 1 {
		t.Fatalf("scan after release: %v %d", err, len(all))
	}
	if all[0].HoldTime != 0 {
		t.Fatalf("expected hold-time cleared after release, got %d", all[0].HoldTime)
	}
	if started != "lp0" {
		t.Fatalf("release should wake/start the queue, started = %q", started)
	}
}

func TestHandleControlTopqPromotesPriority(t *testing.T) {
	dir := newQueueDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "j", Number: 5, Priority: 'Z', Hostname: "h1"})
	resolver := staticResolver{queues: map[string][]Queue{"lp0": {{Name: "lp0", Dir: dir}}}}
	h := &Handler{Resolve: resolver}

	cl := serveOverPipe(t, h)
	cl.Write([]byte{OpControl})
	cl.Write([]byte("topq lp0 5\n"))
	var buf bytes.Buffer
	buf.ReadFrom(cl)
	cl.Close()

	all, err := dir.ScanTickets()
	if err != nil || len(all) != 1 {
		t.Fatalf("scan after topq: %v %d", err, len(all))
	}
	if all[0].Priority != 'A' {
		t.Fatalf("expected topq to promote priority to 'A', got %q", all[0].Priority)
	}
}

func TestPermissionRejectBlocksPrint(t *testing.T) {
	called := false
	h := &Handler{
		StartJob: func(ctx context.Context, q string) { called = true },
		Perm:     permission.Parse("reject\n"),
	}
	cl := serveOverPipe(t, h)
	defer cl.Close()

	cl.Write([]byte{OpPrint})
	cl.Write([]byte("lp0\n"))
	cl.Close()

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("StartJob should not be called when permission denies")
	}
}
