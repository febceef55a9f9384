package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lprng-go/lpspoold/internal/filter"
	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/linelist"
	"github.com/lprng-go/lpspoold/internal/pipeline"
	"github.com/lprng-go/lpspoold/internal/scheduler"
	"github.com/lprng-go/lpspoold/internal/spool"
)

var errNoResolver = errors.New("printer: printcap not loaded")

// formatFilterTags maps a data file's single-letter format code to its
// printcap filter tag, per the classic cf/df/gf/nf/rf/tf/vf vocabulary
// (_examples/original_source/src/common/printjob.c); "if" is the
// fallback when a queue carries no tag for a given format.
var formatFilterTags = map[byte]string{
	'c': "cf",
	'd': "df",
	'g': "gf",
	'n': "nf",
	'r': "rf",
	't': "tf",
	'v': "vf",
}

// buildPipelineOptions translates one queue's resolved printcap record
// into the pipeline's Options, mirroring the fields internal/pipeline's
// own tests construct by hand. leader/trailer/fc have no classic lpd
// tag (they generalize printjob.c's FF_str/leader_str/trailer_str
// beyond the original single-letter vocabulary), so this build names
// them plainly rather than inventing letter codes nothing else uses.
func buildPipelineOptions(opts *linelist.LineList) pipeline.Options {
	if opts == nil {
		opts = linelist.New(false, false)
	}
	sf, _ := opts.FindFlag("sf")
	sh, _ := opts.FindFlag("sh")
	hl, _ := opts.FindFlag("hl")
	fo, _ := opts.FindFlag("fo")
	fc, _ := opts.FindFlag("fc")

	byFormat := make(map[byte]string, len(formatFilterTags))
	for format, tag := range formatFilterTags {
		if cmd, ok := opts.FindStr(tag); ok && cmd != "" {
			byFormat[format] = cmd
		}
	}

	leader, _ := opts.FindStr("leader")
	trailer, _ := opts.FindStr("trailer")
	ifFilter, _ := opts.FindStr("if")
	pfFilter, _ := opts.FindStr("pf")
	ofFilter, _ := opts.FindStr("of")

	return pipeline.Options{
		Leader:          leader,
		Trailer:         trailer,
		FormFeedOnOpen:  fo,
		FormFeedOnClose: fc,
		FFSeparator:     !sf,
		SuppressHeader:  sh,
		BannerLast:      hl,
		OutputFilter:    ofFilter,
		Formats: pipeline.FormatFilters{
			Default:  ifFilter,
			ByFormat: byFormat,
			Pretty:   pfFilter,
		},
	}
}

// buildEnv assembles the filter environment of spec.md §4.4 from this
// build's configuration and the job at hand, following the fixed
// variable set internal/filter.Env.Build emits.
func (r *registry) buildEnv(name string, dir *spool.Dir, opts *linelist.LineList, tk *jobticket.Ticket) filter.Env {
	ppd, _ := opts.FindStr("ppd")
	var dfNames []string
	for _, df := range tk.DataFiles {
		dfNames = append(dfNames, df.OpenName)
	}
	image := tk.Encode()
	return filter.Env{
		Printer:       name,
		User:          firstNonEmptyStr(tk.AuthUser, tk.Logname),
		Logname:       tk.Logname,
		Home:          r.cfg.Home,
		Logdir:        dir.Path,
		Path:          os.Getenv("PATH"),
		LDLibraryPath: os.Getenv("LD_LIBRARY_PATH"),
		Shell:         firstNonEmptyStr(os.Getenv("SHELL"), "/bin/sh"),
		TZ:            r.cfg.TZ,
		SpoolDir:      dir.Path,
		PrintcapEntry: opts.Join(":"),
		PPD:           ppd,
		HF:            image,
		Control:       image,
		DataFiles:     strings.Join(dfNames, " "),
	}
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// openDevice opens a queue's "lp=" device for one print attempt. A
// device string starting with "|" is a pipe-through-command, per
// checkpc.c's Lp_device_DYN "|%@" check; this build runs that command
// as the pipeline's output filter (reusing startOF/closeOF) and
// discards its own stdout rather than writing a distinct device file,
// since nothing downstream of the pipe belongs to this print session.
func openDevice(devStr string) (pipeline.Device, bool, error) {
	if strings.HasPrefix(devStr, "|") {
		return pipeline.Device{Writer: io.Discard}, true, nil
	}
	f, err := os.OpenFile(devStr, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return pipeline.Device{}, false, err
	}
	return pipeline.Device{Writer: f, File: f}, false, nil
}

// printer returns a scheduler.Printer bound to one queue's printcap
// record and spool directory, resolving the queue's device, filters,
// and environment fresh on every call so a reload (SIGHUP or fsnotify,
// cmd/lpspoold/watch.go) takes effect on the job after it lands.
func (r *registry) printer(name string, dir *spool.Dir) scheduler.Printer {
	return func(ctx context.Context, tk *jobticket.Ticket) scheduler.Result {
		r.mu.Lock()
		resolver := r.resolver
		r.mu.Unlock()
		if resolver == nil {
			return scheduler.Result{Outcome: scheduler.OutcomeRetry, Err: errNoResolver}
		}
		_, opts, err := resolver.Lookup(name)
		if err != nil {
			return scheduler.Result{Outcome: scheduler.OutcomeRetry, Err: err}
		}
		if opts == nil {
			opts = linelist.New(false, false)
		}

		devStr, _ := opts.FindStr("lp")
		if devStr == "" {
			devStr = filepath.Join(r.cfg.SpoolRoot, name, "device")
		}

		popts := buildPipelineOptions(opts)
		dev, isPipeDevice, err := openDevice(devStr)
		if err != nil {
			return scheduler.Result{Outcome: scheduler.OutcomeRetry, Err: err}
		}
		if isPipeDevice && popts.OutputFilter == "" {
			popts.OutputFilter = strings.TrimPrefix(devStr, "|")
		}
		if f := dev.File; f != nil {
			defer f.Close()
		}

		env := r.buildEnv(name, dir, opts, tk)
		pcOpt := filter.PrintcapOption(func(key string) (string, bool) { return opts.FindStr(key) })

		sess := &pipeline.Session{
			Opts: popts,
			Dev:  dev,
			Ji:   filter.JobInfo{Printer: name, Host: tk.FromHost, JobNumber: tk.Number, Logname: tk.Logname},
			Env:  env,
			PC:   pcOpt,
		}
		openData := func(dfName string) (*os.File, error) {
			return os.Open(filepath.Join(dir.Path, dfName))
		}
		status, err := sess.Run(ctx, tk, nil, openData)
		switch status {
		case filter.StatusSuccess:
			return scheduler.Result{Outcome: scheduler.OutcomeSuccess}
		case filter.StatusHold, filter.StatusNoSpool, filter.StatusNoPrint:
			return scheduler.Result{Outcome: scheduler.OutcomeHold, Err: err}
		case filter.StatusRemove:
			return scheduler.Result{Outcome: scheduler.OutcomeRemove}
		case filter.StatusAbort, filter.StatusFailNoRetry, filter.StatusSignal:
			return scheduler.Result{Outcome: scheduler.OutcomeAbort, Err: err}
		default:
			return scheduler.Result{Outcome: scheduler.OutcomeRetry, Err: err}
		}
	}
}
