// Package jobticket implements the typed view over a LineList that
// describes one job plus its data files, per spec.md §3 "Job ticket".
package jobticket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lprng-go/lpspoold/internal/linelist"
)

// DataFile is one file attached to a job.
type DataFile struct {
	OpenName     string // path in spool dir
	TransferName string // visible name
	Format       byte   // single letter format code
	Copies       int
	Size         int64
	UserFilename string // the "N" user filename field
}

// Ticket is one job's durable state.
type Ticket struct {
	Identifier string
	Number     int
	Hostname   string
	Priority   byte // 'A'..'Z', lexicographically lower = more urgent
	Class      string

	Logname  string
	FromHost string
	AuthUser string

	HoldTime   int64
	RemoveTime int64
	Move       string
	DoneTime   int64
	Error      string
	ErrorTime  int64
	Attempt    int
	Server     int // pid of active printer for this job, 0 if none

	DataFiles []DataFile
}

// State is one of the job state-machine states of spec.md §4.6.
type State int

const (
	StateNew State = iota
	StateReady
	StateActive
	StateDone
	StateRetryWait
	StateHeld
	StateAborted
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateRetryWait:
		return "retry-wait"
	case StateHeld:
		return "held"
	case StateAborted:
		return "aborted"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Derive computes the job's current state from its fields, the single
// source of truth per spec.md testable-property 2 ("exactly one of the
// states applies, derivable from its fields").
func (t *Ticket) Derive() State {
	switch {
	case t.RemoveTime != 0 && t.DoneTime == 0 && t.Error == "":
		return StateRemoved
	case t.DoneTime != 0:
		return StateDone
	case t.Error != "":
		return StateAborted
	case t.HoldTime != 0:
		return StateHeld
	case t.Server != 0:
		return StateActive
	case t.Attempt > 0:
		return StateRetryWait
	default:
		return StateReady
	}
}

// Key formatting matches the on-disk "key=value" LineList serialization
// described in spec.md §6 ("Spool layout").
const (
	keyIdentifier = "identifier"
	keyNumber     = "number"
	keyHostname   = "hostname"
	keyPriority   = "priority"
	keyClass      = "class"
	keyLogname    = "logname"
	keyFromHost   = "from-host"
	keyAuthUser   = "auth-user"
	keyHoldTime   = "hold-time"
	keyRemoveTime = "remove-time"
	keyMove       = "move"
	keyDoneTime   = "done-time"
	keyError      = "error"
	keyErrorTime  = "error-time"
	keyAttempt    = "attempt"
	keyServer     = "server"
	dataFileMark  = "DATAFILE="
)

// Encode serializes the ticket into a LineList-joinable text image, with
// data-file blocks introduced by "DATAFILE=" and indented key=value
// lines, per spec.md §6.
func (t *Ticket) Encode() string {
	var b strings.Builder
	write := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	writeInt := func(k string, n int64) {
		if n == 0 {
			return
		}
		fmt.Fprintf(&b, "%s=%d\n", k, n)
	}

	write(keyIdentifier, t.Identifier)
	fmt.Fprintf(&b, "%s=%03d\n", keyNumber, t.Number)
	write(keyHostname, t.Hostname)
	if t.Priority != 0 {
		fmt.Fprintf(&b, "%s=%c\n", keyPriority, t.Priority)
	}
	write(keyClass, t.Class)
	write(keyLogname, t.Logname)
	write(keyFromHost, t.FromHost)
	write(keyAuthUser, t.AuthUser)
	writeInt(keyHoldTime, t.HoldTime)
	writeInt(keyRemoveTime, t.RemoveTime)
	write(keyMove, t.Move)
	writeInt(keyDoneTime, t.DoneTime)
	write(keyError, t.Error)
	writeInt(keyErrorTime, t.ErrorTime)
	if t.Attempt != 0 {
		fmt.Fprintf(&b, "%s=%d\n", keyAttempt, t.Attempt)
	}
	if t.Server != 0 {
		fmt.Fprintf(&b, "%s=%d\n", keyServer, t.Server)
	}
	for _, df := range t.DataFiles {
		fmt.Fprintf(&b, "%s%s\n", dataFileMark, df.OpenName)
		fmt.Fprintf(&b, "\ttransfer-name=%s\n", df.TransferName)
		fmt.Fprintf(&b, "\tformat=%c\n", df.Format)
		fmt.Fprintf(&b, "\tcopies=%d\n", df.Copies)
		fmt.Fprintf(&b, "\tsize=%d\n", df.Size)
		if df.UserFilename != "" {
			fmt.Fprintf(&b, "\tN=%s\n", df.UserFilename)
		}
	}
	return b.String()
}

// Decode parses a ticket image produced by Encode. It tolerates a
// partially-absent file (an empty string decodes to a zero Ticket) per
// spec.md invariant 3 ("readers tolerate partial absence").
func Decode(image string) (*Ticket, error) {
	t := &Ticket{}
	lines := strings.Split(image, "\n")
	var cur *DataFile
	flush := func() {
		if cur != nil {
			t.DataFiles = append(t.DataFiles, *cur)
			cur = nil
		}
	}
	for _, raw := range lines {
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, dataFileMark) {
			flush()
			cur = &DataFile{OpenName: strings.TrimPrefix(raw, dataFileMark)}
			continue
		}
		line := strings.TrimSpace(raw)
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if cur != nil && strings.HasPrefix(raw, "\t") {
			switch k {
			case "transfer-name":
				cur.TransferName = v
			case "format":
				if len(v) > 0 {
					cur.Format = v[0]
				}
			case "copies":
				cur.Copies, _ = strconv.Atoi(v)
			case "size":
				cur.Size, _ = strconv.ParseInt(v, 10, 64)
			case "N":
				cur.UserFilename = v
			}
			continue
		}
		flush()
		switch k {
		case keyIdentifier:
			t.Identifier = v
		case keyNumber:
			t.Number, _ = strconv.Atoi(v)
		case keyHostname:
			t.Hostname = v
		case keyPriority:
			if len(v) > 0 {
				t.Priority = v[0]
			}
		case keyClass:
			t.Class = v
		case keyLogname:
			t.Logname = v
		case keyFromHost:
			t.FromHost = v
		case keyAuthUser:
			t.AuthUser = v
		case keyHoldTime:
			t.HoldTime, _ = strconv.ParseInt(v, 10, 64)
		case keyRemoveTime:
			t.RemoveTime, _ = strconv.ParseInt(v, 10, 64)
		case keyMove:
			t.Move = v
		case keyDoneTime:
			t.DoneTime, _ = strconv.ParseInt(v, 10, 64)
		case keyError:
			t.Error = v
		case keyErrorTime:
			t.ErrorTime, _ = strconv.ParseInt(v, 10, 64)
		case keyAttempt:
			t.Attempt, _ = strconv.Atoi(v)
		case keyServer:
			t.Server, _ = strconv.Atoi(v)
		}
	}
	flush()
	return t, nil
}

// AsLineList renders the ticket as a sorted, unique LineList for callers
// that want generic key-lookup semantics (used by the status handlers).
func (t *Ticket) AsLineList() *linelist.LineList {
	l := linelist.New(true, true)
	for _, line := range strings.Split(strings.TrimRight(t.Encode(), "\n"), "\n") {
		if line == "" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, dataFileMark) {
			continue
		}
		l.Add(line)
	}
	return l
}

// SpoolFileNames returns the three canonical filenames for this job in a
// spool directory, per spec.md §3: hfAnnn<host>, cfAnnn<host>, and one
// dfXnnn<host> per data file (X encodes priority). hf and cf are always
// recomputed from the ticket's own fields, since the control file is the
// source of truth for Number/Priority/Hostname. Data files are different:
// their on-disk name is whatever the sender transferred them under
// (handlers.handleReceive writes each one under its wire-given name, which
// is not always a single fixed letter when a job carries more than one
// data file), so df returns each DataFile's own OpenName rather than
// recomputing one — recomputing a single hardcoded letter for every entry
// would make every data file of a multi-file job collide on one name.
func (t *Ticket) SpoolFileNames() (hf, cf string, df []string) {
	suffix := fmt.Sprintf("%c%03d%s", t.Priority, t.Number, t.Hostname)
	hf = "hf" + suffix
	cf = "cf" + suffix
	for _, f := range t.DataFiles {
		df = append(df, f.OpenName)
	}
	return
}
