// Package spool implements the on-disk spool directory layout described
// in spec.md §3: control/status/log/lock files, the advisory queue lock,
// and atomic job-ticket writes.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/linelist"
)

// Dir is one queue's spool directory.
type Dir struct {
	Path string

	// FilePerm/DirPerm are the configured spool_file_perms/spool_dir_perms
	// from spec.md invariant 5; zero means "use the package defaults".
	FilePerm os.FileMode
	DirPerm  os.FileMode

	tmpMu   sync.Mutex
	tmpList map[string]struct{}
}

const (
	defaultFilePerm = 0o640
	defaultDirPerm  = 0o750
)

// Open returns a Dir rooted at path, creating it (and setting its mode)
// if absent.
func Open(path string) (*Dir, error) {
	d := &Dir{Path: path, FilePerm: defaultFilePerm, DirPerm: defaultDirPerm, tmpList: map[string]struct{}{}}
	if err := os.MkdirAll(path, d.DirPerm); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) join(name string) string { return filepath.Join(d.Path, name) }

// Fixed filenames, per spec.md §3.
func (d *Dir) ControlPath() string    { return d.join("control") }
func (d *Dir) StatusPath() string     { return d.join("status") }
func (d *Dir) LogPath() string        { return d.join("log") }
func (d *Dir) LockPath() string       { return d.join("lock") }
func (d *Dir) UnspoolerPath() string  { return d.join("unspooler") }
func (d *Dir) CachedStatusPath(n int) string {
	return d.join(fmt.Sprintf("lpd.status.%02d", n))
}

// JobTicketPath/ControlFilePath/DataFilePath build the job-file names
// from spec.md §3: hfAnnn<host>, cfAnnn<host>, dfXnnn<host>.
func (d *Dir) JobTicketPath(priority byte, number int, host string) string {
	return d.join(fmt.Sprintf("hf%c%03d%s", priority, number, host))
}
func (d *Dir) ControlFilePath(priority byte, number int, host string) string {
	return d.join(fmt.Sprintf("cf%c%03d%s", priority, number, host))
}
func (d *Dir) DataFilePath(letter byte, number int, host string) string {
	return d.join(fmt.Sprintf("df%c%03d%s", letter, number, host))
}

var hfNameRE = regexp.MustCompile(`^hf([A-Za-z])(\d{3})(.+)$`)

// AtomicWrite writes data to a temp file in Dir and renames it into
// place at name, the atomic-update pattern required by spec.md
// invariant 3. The temp file is tracked so a crash recovery pass (or
// ProcessExitCleanup) can remove orphans, per spec.md §5 "Resource
// acquisition".
func (d *Dir) AtomicWrite(name string, data []byte) error {
	final := d.join(name)
	tmp := final + ".tmp"
	d.trackTemp(tmp)
	defer d.untrackTemp(tmp)

	perm := d.FilePerm
	if perm == 0 {
		perm = defaultFilePerm
	}
	if err := os.WriteFile(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

func (d *Dir) trackTemp(path string) {
	d.tmpMu.Lock()
	d.tmpList[path] = struct{}{}
	d.tmpMu.Unlock()
}
func (d *Dir) untrackTemp(path string) {
	d.tmpMu.Lock()
	delete(d.tmpList, path)
	d.tmpMu.Unlock()
}

// CleanupTemps removes all temp files created by this Dir and not yet
// renamed/removed; called on fatal-signal handling per spec.md §5.
func (d *Dir) CleanupTemps() {
	d.tmpMu.Lock()
	defer d.tmpMu.Unlock()
	for p := range d.tmpList {
		_ = os.Remove(p)
		delete(d.tmpList, p)
	}
}

// WriteTicket atomically serializes and writes a job ticket to its hf
// file.
func (d *Dir) WriteTicket(t *jobticket.Ticket) error {
	hf, _, _ := t.SpoolFileNames()
	return d.AtomicWrite(hf, []byte(t.Encode()))
}

// ReadTicket loads and decodes a job ticket from its hf file. A missing
// file is reported via os.IsNotExist on the returned error so callers
// can treat it as "job gone" per spec.md invariant 3.
func (d *Dir) ReadTicket(hfName string) (*jobticket.Ticket, error) {
	data, err := os.ReadFile(d.join(hfName))
	if err != nil {
		return nil, err
	}
	return jobticket.Decode(string(data))
}

// ScanTickets enumerates all hf* files and decodes each, skipping (not
// failing on) any that vanish mid-scan.
func (d *Dir) ScanTickets() ([]*jobticket.Ticket, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, err
	}
	var out []*jobticket.Ticket
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if hfNameRE.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		tk, err := d.ReadTicket(n)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, tk)
	}
	return out, nil
}

// RemoveJobFiles unlinks a job's hf/cf/df files. Missing files are not
// errors (idempotent removal), satisfying testable-property 3.
func (d *Dir) RemoveJobFiles(t *jobticket.Ticket) error {
	hf, cf, df := t.SpoolFileNames()
	for _, name := range append([]string{hf, cf}, df...) {
		if err := os.Remove(d.join(name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Control is the parsed spool-control file: printing/spooling toggles,
// class list, and forward target, per spec.md §3.
type Control struct {
	PrintingDisabled  bool
	SpoolingDisabled  bool
	Aborted           bool
	Classes           []string
	Debug             string
	ForwardHost       string
	ForwardQueue      string
	OperatorMessage   string
}

// ReadControl loads and parses the control file; a missing file decodes
// to an empty (all-enabled) Control.
func (d *Dir) ReadControl() (*Control, error) {
	data, err := os.ReadFile(d.ControlPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Control{}, nil
		}
		return nil, err
	}
	l := linelist.Split(string(data), "\n", false, false, false, true, true, "")
	c := &Control{}
	for _, line := range l.Lines {
		k, v, _ := strings.Cut(line, "=")
		switch k {
		case "printing_disabled":
			c.PrintingDisabled = true
		case "spooling_disabled":
			c.SpoolingDisabled = true
		case "aborted":
			c.Aborted = true
		case "class":
			c.Classes = strings.Split(v, ",")
		case "debug":
			c.Debug = v
		case "forward_host":
			c.ForwardHost = v
		case "forward_queue":
			c.ForwardQueue = v
		case "message":
			c.OperatorMessage = v
		}
	}
	return c, nil
}

// WriteControl atomically serializes Control back to the control file.
func (d *Dir) WriteControl(c *Control) error {
	var b strings.Builder
	if c.PrintingDisabled {
		b.WriteString("printing_disabled\n")
	}
	if c.SpoolingDisabled {
		b.WriteString("spooling_disabled\n")
	}
	if c.Aborted {
		b.WriteString("aborted\n")
	}
	if len(c.Classes) > 0 {
		fmt.Fprintf(&b, "class=%s\n", strings.Join(c.Classes, ","))
	}
	if c.Debug != "" {
		fmt.Fprintf(&b, "debug=%s\n", c.Debug)
	}
	if c.ForwardHost != "" {
		fmt.Fprintf(&b, "forward_host=%s\n", c.ForwardHost)
	}
	if c.ForwardQueue != "" {
		fmt.Fprintf(&b, "forward_queue=%s\n", c.ForwardQueue)
	}
	if c.OperatorMessage != "" {
		fmt.Fprintf(&b, "message=%s\n", c.OperatorMessage)
	}
	return d.AtomicWrite("control", []byte(b.String()))
}
