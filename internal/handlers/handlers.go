// Package handlers implements the seven wire opcodes of spec.md §4.8,
// read off a bufio.Reader over one accepted connection and dispatched
// to queue-scoped operations. Grounded on internal/server/server.go's
// one-function-per-route dispatch (generalized here from gin's URL
// routing to a single leading opcode byte) and internal/server/auth.go's
// request-scoped permission gate (generalized from the teacher's single
// session-cookie check into the full clause-based internal/permission
// engine).
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/permission"
	"github.com/lprng-go/lpspoold/internal/spool"
)

// Opcodes, exact values fixed by the wire protocol (spec.md §4.8).
const (
	OpPrint    = 1
	OpReceive  = 2
	OpShort    = 3
	OpLong     = 4
	OpRemove   = 5
	OpSecure   = 6
	OpControl  = 7
)

// Receive sub-opcodes (spec.md §4.8 "Within \2").
const (
	subAbort   = 1
	subControl = 2
	subData    = 3
)

// Queue is one resolved destination for a request: either a local
// spool directory or a forwarding target on another host.
type Queue struct {
	Name          string
	Dir           *spool.Dir
	ForwardHost   string // non-empty: forward instead of handling locally
	ForwardQueue  string
}

// Resolver expands a request's printer-name argument into the set of
// queues it addresses, handling "all" and server-group membership
// (spec.md §4.8 "Status and remove handlers ... iterate the global
// all-queues list").
type Resolver interface {
	Resolve(name string) ([]Queue, error)
}

// StatusGenerator renders the status text for one queue's short/long
// status request; internal/statuscache wraps this with its mtime-gated
// cache per spec.md §4.9.
type StatusGenerator func(ctx context.Context, q Queue, long bool, args []string) (string, error)

// Forwarder relays a request's raw bytes to another host for
// server-group / forwarding recursion (spec.md §4.8), returning the
// remote's reply bytes.
type Forwarder func(ctx context.Context, host string, opcode byte, line string, body io.Reader) ([]byte, error)

// Handler wires the opcode dispatch to the rest of the daemon.
type Handler struct {
	Resolve   Resolver
	Status    StatusGenerator
	Forward   Forwarder
	Perm      *permission.RuleSet
	StartJob  func(ctx context.Context, queue string) // wakes/starts a queue's scheduler, per opcode \1
	Log       *zap.Logger

	// LocalHost identifies this daemon's host, used for
	// permission.Context.SameHost per spec.md §4.3.
	LocalHost string
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// Serve reads and dispatches exactly one request from conn, per spec.md
// §6 ("each connection is one request opcode ... ending at the first
// newline, optionally followed by framed sub-transfers"). It closes conn
// when the request is done, so a reply ends at connection close.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	opByte, err := r.ReadByte()
	if err != nil {
		return
	}
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\n")

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	switch opByte {
	case OpPrint:
		h.handlePrint(ctx, conn, line, remoteHost)
	case OpReceive:
		h.handleReceive(ctx, conn, r, line, remoteHost)
	case OpShort:
		h.handleStatus(ctx, conn, line, remoteHost, false)
	case OpLong:
		h.handleStatus(ctx, conn, line, remoteHost, true)
	case OpRemove:
		h.handleRemove(ctx, conn, line, remoteHost)
	case OpSecure:
		h.handleSecure(ctx, conn, r, line, remoteHost)
	case OpControl:
		h.handleControl(ctx, conn, line, remoteHost)
	default:
		_ = conn.Close()
	}
}

func (h *Handler) checkPermission(svc permission.Service, queue, user, remoteHost string) bool {
	if h.Perm == nil {
		return true
	}
	ctx := permission.Context{
		Service:    svc,
		User:       user,
		RemoteUser: user,
		RemoteHost: remoteHost,
		Printer:    queue,
		SameHost:   remoteHost == h.LocalHost,
	}
	return h.Perm.Check(ctx) != permission.Reject
}

// handlePrint implements opcode \1: start (or wake) the named queue's
// printer, per spec.md §4.7 step 5 / §4.8.
func (h *Handler) handlePrint(ctx context.Context, conn net.Conn, line, remoteHost string) {
	queue := strings.TrimSpace(line)
	if !h.checkPermission(permission.ServicePrint, queue, "", remoteHost) {
		return
	}
	if h.StartJob != nil {
		h.StartJob(ctx, queue)
	}
}

// handleReceive implements opcode \2: accept a job's control file and
// data files under an ordered sub-opcode sequence, acking each
// sub-transfer with a single byte (0 success, nonzero failure), per
// spec.md §4.8. Partial files are unlinked on abort or a dropped
// connection.
func (h *Handler) handleReceive(ctx context.Context, conn net.Conn, r *bufio.Reader, line, remoteHost string) {
	queue := strings.TrimSpace(line)
	queues, err := h.resolveOne(queue)
	if err != nil || len(queues) == 0 {
		ackByte(conn, 1)
		return
	}
	q := queues[0]
	if !h.checkPermission(permission.ServiceReceive, queue, "", remoteHost) {
		ackByte(conn, 1)
		return
	}
	ackByte(conn, 0)

	var tk jobticket.Ticket
	tk.Hostname = remoteHost
	var written []string
	abortAll := func() {
		for _, name := range written {
			_ = os.Remove(filepath.Join(q.Dir.Path, name))
		}
	}

	for {
		sub, err := r.ReadByte()
		if err != nil {
			abortAll()
			return
		}
		switch sub {
		case subAbort:
			abortAll()
			return
		case subControl, subData:
			hdr, err := r.ReadString('\n')
			if err != nil {
				abortAll()
				return
			}
			hdr = strings.TrimRight(hdr, "\n")
			parts := strings.SplitN(hdr, " ", 2)
			if len(parts) != 2 {
				ackByte(conn, 1)
				abortAll()
				return
			}
			size, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil || size < 0 {
				ackByte(conn, 1)
				abortAll()
				return
			}
			name := parts[1]
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				ackByte(conn, 1)
				abortAll()
				return
			}
			if sub == subControl {
				parsed, err := jobticket.Decode(string(buf))
				if err != nil {
					ackByte(conn, 1)
					abortAll()
					return
				}
				tk = *parsed
				tk.Hostname = remoteHost
			} else {
				tk.DataFiles = append(tk.DataFiles, jobticket.DataFile{
					OpenName: name,
					Size:     size,
				})
			}
			if err := q.Dir.AtomicWrite(name, buf); err != nil {
				ackByte(conn, 1)
				abortAll()
				return
			}
			written = append(written, name)
			ackByte(conn, 0)
		default:
			ackByte(conn, 1)
			abortAll()
			return
		}
		if sub == subData && isLastTransfer(r) {
			break
		}
	}

	if err := q.Dir.WriteTicket(&tk); err != nil {
		h.logger().Warn("receive: write ticket", zap.Error(err))
		abortAll()
		return
	}
	if h.StartJob != nil {
		h.StartJob(ctx, queue)
	}
}

// isLastTransfer peeks for EOF/connection-close to decide whether the
// receive sequence is complete; the real protocol ends a \2 sequence
// when the client closes its write side after the last data file.
func isLastTransfer(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return err != nil
}

// handleStatus implements opcodes \3 (short) and \4 (long), iterating
// "all" queues and forwarding recursion with a visited-set for loop
// protection, per spec.md §4.8.
func (h *Handler) handleStatus(ctx context.Context, conn net.Conn, line, remoteHost string, long bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name, args := fields[0], fields[1:]
	if !h.checkPermission(permission.ServiceQuery, name, "", remoteHost) {
		io.WriteString(conn, "no permission\n")
		return
	}
	visited := map[string]bool{}
	var b strings.Builder
	h.statusInto(ctx, &b, name, long, args, remoteHost, visited)
	io.WriteString(conn, b.String())
}

func (h *Handler) statusInto(ctx context.Context, b *strings.Builder, name string, long bool, args []string, remoteHost string, visited map[string]bool) {
	if h.Resolve == nil {
		return
	}
	queues, err := h.Resolve.Resolve(name)
	if err != nil {
		fmt.Fprintf(b, "%s: %v\n", name, err)
		return
	}
	for _, q := range queues {
		if visited[q.Name] {
			continue
		}
		visited[q.Name] = true
		if q.ForwardHost != "" {
			if h.Forward == nil || q.ForwardHost == h.LocalHost {
				continue
			}
			op := byte(OpShort)
			if long {
				op = OpLong
			}
			reply, err := h.Forward(ctx, q.ForwardHost, op, strings.Join(append([]string{q.ForwardQueue}, args...), " "), nil)
			if err != nil {
				fmt.Fprintf(b, "%s: forward to %s failed: %v\n", q.Name, q.ForwardHost, err)
				continue
			}
			b.Write(reply)
			continue
		}
		if h.Status == nil {
			continue
		}
		text, err := h.Status(ctx, q, long, args)
		if err != nil {
			fmt.Fprintf(b, "%s: %v\n", q.Name, err)
			continue
		}
		b.WriteString(text)
	}
}

// handleRemove implements opcode \5: remove matching jobs a user owns
// (or is permitted to remove) from the named queue(s).
func (h *Handler) handleRemove(ctx context.Context, conn net.Conn, line, remoteHost string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		io.WriteString(conn, "malformed remove request\n")
		return
	}
	name, user, patterns := fields[0], fields[1], fields[2:]
	if !h.checkPermission(permission.ServiceRemove, name, user, remoteHost) {
		io.WriteString(conn, "no permission\n")
		return
	}
	queues, err := h.resolveOne(name)
	if err != nil {
		io.WriteString(conn, err.Error()+"\n")
		return
	}
	var b strings.Builder
	for _, q := range queues {
		if q.ForwardHost != "" {
			continue
		}
		all, err := q.Dir.ScanTickets()
		if err != nil {
			fmt.Fprintf(&b, "%s: %v\n", q.Name, err)
			continue
		}
		for _, tk := range all {
			if tk.Logname != user && !h.checkPermission(permission.ServiceControl, name, user, remoteHost) {
				continue
			}
			if !matchesAny(patterns, tk) {
				continue
			}
			if err := q.Dir.RemoveJobFiles(tk); err != nil {
				fmt.Fprintf(&b, "%s: remove %s failed: %v\n", q.Name, tk.Identifier, err)
				continue
			}
			fmt.Fprintf(&b, "%s: %s removed\n", q.Name, tk.Identifier)
		}
	}
	io.WriteString(conn, b.String())
}

func matchesAny(patterns []string, tk *jobticket.Ticket) bool {
	if len(patterns) == 0 {
		return true
	}
	numStr := strconv.Itoa(tk.Number)
	for _, p := range patterns {
		if p == tk.Identifier || p == numStr || p == "all" {
			return true
		}
	}
	return false
}

// handleSecure implements opcode \6's server side: it is a thin
// forwarding point into internal/secure, which decrypts the envelope
// and replays it into handleReceive under the authenticated identity.
// SecureReceiver is set by cmd/lpspoold when secure transfer is
// configured; absent it, the opcode is rejected.
type SecureReceiver func(ctx context.Context, conn net.Conn, r *bufio.Reader, header string, remoteHost string, receive func(ctx context.Context, conn net.Conn, r *bufio.Reader, line, remoteHost string))

var secureReceiver SecureReceiver

// SetSecureReceiver installs the internal/secure envelope handler.
// Declared as a package-level hook (rather than a Handler field) only
// to keep internal/secure's import of internal/handlers one-directional
// during the incremental build; cmd/lpspoold wires it once at startup.
func SetSecureReceiver(fn SecureReceiver) { secureReceiver = fn }

func (h *Handler) handleSecure(ctx context.Context, conn net.Conn, r *bufio.Reader, line, remoteHost string) {
	if secureReceiver == nil {
		ackByte(conn, 1)
		return
	}
	secureReceiver(ctx, conn, r, line, remoteHost, h.handleReceive)
}

// handleControl implements opcode \7 (LPC): a subcommand plus
// arguments mutating a queue's spool.Control state (enable, disable,
// start/up, stop/down, abort) or its job tickets (hold, release, topq,
// move).
func (h *Handler) handleControl(ctx context.Context, conn net.Conn, line, remoteHost string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		io.WriteString(conn, "malformed control request\n")
		return
	}
	cmd, queue := fields[0], fields[1]
	if !h.checkPermission(permission.ServiceControl, queue, "", remoteHost) {
		io.WriteString(conn, "no permission\n")
		return
	}
	queues, err := h.resolveOne(queue)
	if err != nil || len(queues) == 0 {
		io.WriteString(conn, "unknown printer\n")
		return
	}
	q := queues[0]

	switch cmd {
	case "hold", "release", "topq":
		io.WriteString(conn, h.controlJobs(ctx, q, queue, cmd, fields[2:]))
		return
	case "move":
		if len(fields) < 4 {
			io.WriteString(conn, "move: usage <queue> <job> <dest-queue>\n")
			return
		}
		io.WriteString(conn, h.controlMove(q, fields[2], fields[3]))
		return
	}

	ctrl, err := q.Dir.ReadControl()
	if err != nil {
		io.WriteString(conn, err.Error()+"\n")
		return
	}
	switch cmd {
	case "enable":
		ctrl.PrintingDisabled = false
	case "disable":
		ctrl.PrintingDisabled = true
	case "start", "up":
		ctrl.Aborted = false
	case "stop", "down":
		ctrl.Aborted = true
	case "abort":
		ctrl.Aborted = true
	default:
		io.WriteString(conn, "unknown command: "+cmd+"\n")
		return
	}
	if err := q.Dir.WriteControl(ctrl); err != nil {
		io.WriteString(conn, err.Error()+"\n")
		return
	}
	if h.StartJob != nil {
		h.StartJob(ctx, queue)
	}
	io.WriteString(conn, cmd+": ok\n")
}

// controlJobs implements the job-scoped LPC subcommands hold, release,
// and topq: each mutates one or more named jobs' tickets directly,
// the same way cmd/lpspoold's admin API hold/release actions do
// (spool.Dir.ScanTickets + WriteTicket), rather than going through
// spool.Control. release wakes the queue's scheduler afterward so the
// job is picked up immediately instead of waiting for its next poll;
// hold needs no wake since selectNext already skips held tickets.
func (h *Handler) controlJobs(ctx context.Context, q Queue, queueName, cmd string, args []string) string {
	if len(args) == 0 {
		return cmd + ": missing job number\n"
	}
	all, err := q.Dir.ScanTickets()
	if err != nil {
		return fmt.Sprintf("%s: %v\n", q.Name, err)
	}
	var b strings.Builder
	var released bool
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Fprintf(&b, "%s: invalid job number %q\n", cmd, arg)
			continue
		}
		var tk *jobticket.Ticket
		for _, t := range all {
			if t.Number == n {
				tk = t
				break
			}
		}
		if tk == nil {
			fmt.Fprintf(&b, "%s: job %d not found\n", cmd, n)
			continue
		}
		switch cmd {
		case "hold":
			tk.HoldTime = time.Now().Unix()
		case "release":
			tk.HoldTime = 0
			released = true
		case "topq":
			tk.Priority = 'A'
		}
		if err := q.Dir.WriteTicket(tk); err != nil {
			fmt.Fprintf(&b, "%s: write job %d: %v\n", cmd, n, err)
			continue
		}
		fmt.Fprintf(&b, "%s: job %d: %s\n", q.Name, n, cmd)
	}
	if released && h.StartJob != nil {
		h.StartJob(ctx, queueName)
	}
	return b.String()
}

// controlMove implements the job-scoped LPC "move" subcommand: it sets
// a single job's Move field so the scheduler's selectNext (which
// already excludes tk.Move != "") takes it out of the printable set
// for this queue.
func (h *Handler) controlMove(q Queue, jobArg, dest string) string {
	n, err := strconv.Atoi(jobArg)
	if err != nil {
		return "move: invalid job number " + jobArg + "\n"
	}
	all, err := q.Dir.ScanTickets()
	if err != nil {
		return fmt.Sprintf("%s: %v\n", q.Name, err)
	}
	for _, tk := range all {
		if tk.Number != n {
			continue
		}
		tk.Move = dest
		if err := q.Dir.WriteTicket(tk); err != nil {
			return fmt.Sprintf("move: write job %d: %v\n", n, err)
		}
		return fmt.Sprintf("%s: job %d moved to %s\n", q.Name, n, dest)
	}
	return fmt.Sprintf("move: job %d not found\n", n)
}

func (h *Handler) resolveOne(name string) ([]Queue, error) {
	if h.Resolve == nil {
		return nil, fmt.Errorf("handlers: no resolver configured")
	}
	return h.Resolve.Resolve(name)
}

func ackByte(w io.Writer, b byte) {
	_, _ = w.Write([]byte{b})
}
