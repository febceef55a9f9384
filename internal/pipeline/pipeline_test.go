package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lprng-go/lpspoold/internal/filter"
	"github.com/lprng-go/lpspoold/internal/jobticket"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestRunNoFilterRawStream(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "hello world")

	var out bytes.Buffer
	sess := &Session{
		Opts: Options{Leader: "LEAD:", Trailer: ":TRAIL"},
		Dev:  Device{Writer: &out},
	}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Copies: 1}}}
	st, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	})
	if err != nil {
		t.Fatalf("run: %v (status %v)", err, st)
	}
	if st != filter.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	want := "LEAD:hello world:TRAIL"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestRunWithPerFileFilter(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "abc")

	var out bytes.Buffer
	sess := &Session{
		Opts: Options{Formats: FormatFilters{Default: "/bin/cat"}},
		Dev:  Device{Writer: &out},
	}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Format: 'f', Copies: 1}}}
	st, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != filter.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	if out.String() != "abc" {
		t.Fatalf("got %q", out.String())
	}
}

func TestRunCopiesRepeatsContent(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "xy")

	var out bytes.Buffer
	sess := &Session{Dev: Device{Writer: &out}}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Copies: 3}}}
	if _, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "xyxyxy" {
		t.Fatalf("got %q", out.String())
	}
}

func TestRunFormFeedSeparatorBetweenFiles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "A")
	writeTempFile(t, dir, "df2", "B")

	var out bytes.Buffer
	sess := &Session{Opts: Options{FFSeparator: true}, Dev: Device{Writer: &out}}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{
		{OpenName: "df1", Copies: 1}, {OpenName: "df2", Copies: 1},
	}}
	if _, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "A\fB" {
		t.Fatalf("got %q", out.String())
	}
}

func TestRunMissingDataFileIsReadError(t *testing.T) {
	var out bytes.Buffer
	sess := &Session{Dev: Device{Writer: &out}}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "nope", Copies: 1}}}
	st, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(name)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if st != filter.StatusReadError {
		t.Fatalf("status = %v, want StatusReadError", st)
	}
}

func TestRunOutputFilterReceivesAllBytes(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "one")
	writeTempFile(t, dir, "df2", "two")

	var out bytes.Buffer
	sess := &Session{
		Opts: Options{OutputFilter: "/bin/cat", Leader: "L:", Trailer: ":T"},
		Dev:  Device{Writer: &out},
	}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{
		{OpenName: "df1", Copies: 1}, {OpenName: "df2", Copies: 1},
	}}
	st, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != filter.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	if out.String() != "L:onetwo:T" {
		t.Fatalf("got %q", out.String())
	}
}

func TestPrettyFormatStillRunsThroughDefaultFilterAfterward(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "raw")

	var out bytes.Buffer
	sess := &Session{
		Opts: Options{Formats: FormatFilters{
			Default: "/usr/bin/tr a-z A-Z",
			Pretty:  "/bin/cat",
		}},
		Dev: Device{Writer: &out},
	}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Format: 'p', Copies: 1}}}
	st, err := sess.Run(context.Background(), tk, nil, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st != filter.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	// The pretty-printer's own output ("raw", unchanged by /bin/cat) must
	// still flow through the data file's normal format filter ("if")
	// afterward, not go straight to the device.
	if out.String() != "RAW" {
		t.Fatalf("got %q, want pretty-printer output reprocessed by the default filter", out.String())
	}
}

func TestBannerInvokedBeforeData(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "BODY")

	var out bytes.Buffer
	sess := &Session{Dev: Device{Writer: &out}}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Copies: 1}}}
	banner := func(w io.Writer, ji filter.JobInfo) error {
		_, err := io.WriteString(w, "BANNER:")
		return err
	}
	if _, err := sess.Run(context.Background(), tk, banner, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "BANNER:BODY" {
		t.Fatalf("got %q", out.String())
	}
}

func TestSuppressHeaderSkipsBanner(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "df1", "BODY")

	var out bytes.Buffer
	sess := &Session{Opts: Options{SuppressHeader: true}, Dev: Device{Writer: &out}}
	tk := &jobticket.Ticket{DataFiles: []jobticket.DataFile{{OpenName: "df1", Copies: 1}}}
	banner := func(w io.Writer, ji filter.JobInfo) error {
		_, err := io.WriteString(w, "BANNER:")
		return err
	}
	if _, err := sess.Run(context.Background(), tk, banner, func(name string) (*os.File, error) {
		return os.Open(filepath.Join(dir, name))
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "BODY" {
		t.Fatalf("got %q", out.String())
	}
}
