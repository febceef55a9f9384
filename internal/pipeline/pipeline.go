// Package pipeline assembles one job's banner/leader/per-file-filter/
// trailer byte stream into a single device write session, generalizing
// the teacher's single rclone invocation
// (internal/daemon/worker.go:runWithMetrics,
// internal/daemon/rclone.go:runRcloneJob) into the multi-stage session
// of spec.md §4.5.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lprng-go/lpspoold/internal/filter"
	"github.com/lprng-go/lpspoold/internal/jobticket"
)

// suspendSeq is the output filter's suspend sequence, per spec.md
// §4.5 step 2.
var suspendSeq = []byte{0o31, 1}

// FormatFilters maps a data file's single-letter format code to the
// filter command line that handles it; "if" is consulted when no
// format-specific entry (pf, lf, ...) exists, and format 'p' routes
// through a pretty-printer first per spec.md §4.5 step 3.
type FormatFilters struct {
	Default  string            // "if"
	ByFormat map[byte]string   // e.g. {'p': prettyPrinterCmd, 'f': ...}
	Pretty   string            // pretty-printer command for format 'p'
}

func (f FormatFilters) lookup(format byte) (cmd string, usePretty bool) {
	if cmd, ok := f.ByFormat[format]; ok {
		return cmd, false
	}
	if format == 'p' && f.Pretty != "" {
		return f.Pretty, true
	}
	return f.Default, false
}

// Options configures one print session.
type Options struct {
	Leader          string
	Trailer         string
	FormFeedOnOpen  bool
	FormFeedOnClose bool
	FFSeparator     bool // emit form feed between data files
	SuppressHeader  bool
	BannerLast      bool
	OutputFilter    string // "of" command line, empty if none

	Formats FormatFilters

	RWTimeout   time.Duration
	StatusMTime func() (time.Time, bool)

	// StatusLine receives every extracted stderr status line, tagged
	// with the filter's title, per spec.md §4.5 "Status handling".
	StatusLine func(title, line string)
}

// Device is the destination: the write side plus, when it is a
// terminal device, an fd usable for tcdrain.
type Device struct {
	io.Writer
	File *os.File // non-nil when Writer is backed by a real fd (tcdrain target)
}

func (d Device) isTerminal() bool {
	return d.File != nil && term.IsTerminal(int(d.File.Fd()))
}

// Session runs one job through the pipeline to completion or a defined
// failure, per spec.md §4.5.
type Session struct {
	Opts Options
	Dev  Device
	Ji   filter.JobInfo
	Env  filter.Env
	PC   filter.PrintcapOption

	ofRunning  bool
	ofCancel   context.CancelFunc
	ofDone     chan filter.Result
	ofStdin    io.WriteCloser
	ofProcess  *os.Process
	ofSuspended bool
}

// Banner renders the start/end-of-job banner text; callers supply it
// since banner formatting (user name, job name, date block) is itself
// a filter/printcap concern external to the core pipeline.
type Banner func(w io.Writer, ji filter.JobInfo) error

// Run executes the full pipeline for one job's data files.
func (s *Session) Run(ctx context.Context, tk *jobticket.Ticket, banner Banner, openData func(name string) (*os.File, error)) (filter.Status, error) {
	if s.Opts.FormFeedOnOpen {
		if _, err := s.Dev.Write([]byte{'\f'}); err != nil {
			return filter.StatusWriteError, err
		}
	}
	if s.Opts.Leader != "" {
		if _, err := io.WriteString(s.Dev, s.Opts.Leader); err != nil {
			return filter.StatusWriteError, err
		}
	}
	if !s.Opts.SuppressHeader && !s.Opts.BannerLast && banner != nil {
		if err := banner(s.Dev, s.Ji); err != nil {
			return filter.StatusWriteError, err
		}
	}

	if s.Opts.OutputFilter != "" {
		if err := s.startOF(ctx); err != nil {
			return filter.StatusAbort, err
		}
	}

	for i, df := range tk.DataFiles {
		if i > 0 && s.Opts.FFSeparator {
			if err := s.writeThroughOF([]byte{'\f'}); err != nil {
				return filter.StatusWriteError, err
			}
		}
		st, err := s.runDataFile(ctx, df, openData)
		if st != filter.StatusSuccess {
			s.teardownOF(ctx)
			return st, err
		}
	}

	if !s.Opts.SuppressHeader && s.Opts.BannerLast && banner != nil {
		var buf bytes.Buffer
		if err := banner(&buf, s.Ji); err != nil {
			return filter.StatusWriteError, err
		}
		if err := s.writeThroughOF(buf.Bytes()); err != nil {
			return filter.StatusWriteError, err
		}
	}
	if s.Opts.Trailer != "" {
		if err := s.writeThroughOF([]byte(s.Opts.Trailer)); err != nil {
			return filter.StatusWriteError, err
		}
	}
	if s.Opts.FormFeedOnClose {
		if err := s.writeThroughOF([]byte{'\f'}); err != nil {
			return filter.StatusWriteError, err
		}
	}

	st := s.closeOF(ctx)
	if st != filter.StatusSuccess {
		return st, fmt.Errorf("pipeline: output filter exited %s", st)
	}

	if s.Dev.isTerminal() {
		if err := tcdrain(s.Dev.File); err != nil {
			return filter.StatusWriteError, err
		}
	}
	return filter.StatusSuccess, nil
}

func (s *Session) startOF(ctx context.Context) error {
	argv, err := filter.BuildArgv(s.Opts.OutputFilter, s.Ji, "", s.PC)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	octx, cancel := context.WithCancel(ctx)
	s.ofCancel = cancel
	s.ofStdin = pw
	s.ofDone = make(chan filter.Result, 1)
	go func() {
		res := filter.RunWithProcess(octx, argv, s.Env.Build(), pr, s.Dev, nil, func(line string) {
			if s.Opts.StatusLine != nil {
				s.Opts.StatusLine("of", line)
			}
		}, func(p *os.Process) { s.ofProcess = p })
		s.ofDone <- res
	}()
	s.ofRunning = true
	return nil
}

// SuspendOF sends the output filter the two-byte stop sequence of
// spec.md §4.5 step 2, pausing it between data files without tearing
// it down.
func (s *Session) SuspendOF() error {
	if !s.ofRunning || s.ofStdin == nil {
		return nil
	}
	if _, err := s.ofStdin.Write(suspendSeq); err != nil {
		return err
	}
	s.ofSuspended = true
	return nil
}

// ResumeOF sends SIGCONT to a suspended output filter, per spec.md
// §4.5 step 2.
func (s *Session) ResumeOF() error {
	if !s.ofSuspended || s.ofProcess == nil {
		return nil
	}
	s.ofSuspended = false
	return s.ofProcess.Signal(syscall.SIGCONT)
}

func (s *Session) writeThroughOF(b []byte) error {
	if s.ofRunning && s.ofStdin != nil {
		_, err := s.ofStdin.Write(b)
		return err
	}
	_, err := s.Dev.Write(b)
	return err
}

// teardownOF aborts a running output filter on pipeline failure.
func (s *Session) teardownOF(ctx context.Context) {
	if !s.ofRunning {
		return
	}
	if s.ofStdin != nil {
		_ = s.ofStdin.Close()
	}
	if s.ofCancel != nil {
		s.ofCancel()
	}
	if s.ofDone != nil {
		<-s.ofDone
	}
	s.ofRunning = false
}

// closeOF closes the output filter's stdin, waits for it to exit, and
// returns its terminal status.
func (s *Session) closeOF(ctx context.Context) filter.Status {
	if !s.ofRunning {
		return filter.StatusSuccess
	}
	if s.ofStdin != nil {
		_ = s.ofStdin.Close()
	}
	res := <-s.ofDone
	s.ofRunning = false
	return res.Status
}

// runDataFile runs one data file through its selected filter for
// `copies` iterations, per spec.md §4.5 step 3.
func (s *Session) runDataFile(ctx context.Context, df jobticket.DataFile, openData func(name string) (*os.File, error)) (filter.Status, error) {
	cmdline, usePretty := s.Opts.Formats.lookup(df.Format)

	copies := df.Copies
	if copies <= 0 {
		copies = 1
	}
	for c := 0; c < copies; c++ {
		f, err := openData(df.OpenName)
		if err != nil {
			return filter.StatusReadError, err
		}
		st, err := s.streamOne(ctx, f, cmdline, usePretty)
		_ = f.Close()
		if st != filter.StatusSuccess {
			return st, err
		}
	}
	return filter.StatusSuccess, nil
}

func (s *Session) streamOne(ctx context.Context, f *os.File, cmdline string, usePretty bool) (filter.Status, error) {
	if usePretty {
		return s.streamThroughPretty(ctx, f, cmdline)
	}
	if cmdline == "" {
		// No filter configured: stream the file's bytes directly.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return filter.StatusReadError, err
		}
		target := io.Writer(s.Dev)
		if s.ofRunning {
			target = s.ofStdin
		}
		if _, err := io.Copy(target, f); err != nil {
			return filter.StatusWriteError, err
		}
		return filter.StatusSuccess, nil
	}

	argv, err := filter.BuildArgv(cmdline, s.Ji, "", s.PC)
	if err != nil {
		return filter.StatusAbort, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return filter.StatusReadError, err
	}

	stdout := io.Writer(s.Dev)
	if s.ofRunning {
		stdout = s.ofStdin
	}

	res := filter.Run(ctx, argv, s.Env.Build(), f, stdout, nil, func(line string) {
		if s.Opts.StatusLine != nil {
			s.Opts.StatusLine("if", line)
		}
	})
	return res.Status, res.Err
}

// streamThroughPretty runs format 'p' data through its pretty-printer
// into a temp file, then re-enters the normal filter loop on that temp
// file using the "if" default (the pretty-printer's output is plain
// text at that point, same as the original's Make_temp_fd/Filter_file
// two-step in printjob.c), rather than writing the pretty-printer's
// output straight to the device.
func (s *Session) streamThroughPretty(ctx context.Context, f *os.File, cmdline string) (filter.Status, error) {
	tmp, err := os.CreateTemp("", "lpspoold-pf-*")
	if err != nil {
		return filter.StatusAbort, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return filter.StatusReadError, err
	}
	argv, err := filter.BuildArgv(cmdline, s.Ji, "", s.PC)
	if err != nil {
		return filter.StatusAbort, err
	}
	res := filter.Run(ctx, argv, s.Env.Build(), f, tmp, nil, func(line string) {
		if s.Opts.StatusLine != nil {
			s.Opts.StatusLine("pf", line)
		}
	})
	if res.Status != filter.StatusSuccess {
		return res.Status, res.Err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return filter.StatusReadError, err
	}
	return s.streamOne(ctx, tmp, s.Opts.Formats.Default, false)
}

var errNoTTY = errors.New("pipeline: tcdrain requested on non-terminal device")

// tcdrain blocks until all output queued to a terminal device has been
// transmitted, per spec.md §4.5 step 6 ("tcdrain the device if it is a
// terminal").
func tcdrain(f *os.File) error {
	if f == nil {
		return errNoTTY
	}
	return termDrain(f)
}
