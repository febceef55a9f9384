package filter

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestTokenizeQuotingAndEscapes(t *testing.T) {
	toks, err := Tokenize(`-x foo\ bar 'single quoted' "double quoted"`)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	want := []string{"-x", "foo bar", "single quoted", "double quoted"}
	if len(toks) != len(want) {
		t.Fatalf("got %v, want %v", toks, want)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Fatalf("token %d = %q, want %q", i, toks[i], want[i])
		}
	}
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	if _, err := Tokenize(`'unterminated`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestExpandTokenDollarLetter(t *testing.T) {
	ji := JobInfo{Printer: "lp0"}
	out, err := ExpandToken("$P", ji, "", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "-Plp0" {
		t.Fatalf("got %v, want [-Plp0]", out)
	}
}

func TestExpandTokenZeroForm(t *testing.T) {
	ji := JobInfo{Printer: "lp0"}
	out, err := ExpandToken("$0P", ji, "", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 2 || out[0] != "-P" || out[1] != "lp0" {
		t.Fatalf("got %v", out)
	}
}

func TestExpandTokenDashForm(t *testing.T) {
	ji := JobInfo{Printer: "lp0"}
	out, err := ExpandToken("$-P", ji, "", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "lp0" {
		t.Fatalf("got %v", out)
	}
}

func TestExpandTokenQuotedForm(t *testing.T) {
	ji := JobInfo{Printer: "lp 0"}
	out, err := ExpandToken("$'P", ji, "", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "'lp 0'" {
		t.Fatalf("got %v", out)
	}
}

func TestExpandTokenFlagsStar(t *testing.T) {
	out, err := ExpandToken("$*", JobInfo{}, "-a -b", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "-a -b" {
		t.Fatalf("got %v", out)
	}
}

func TestExpandTokenNamedBraces(t *testing.T) {
	pcOpt := func(name string) (string, bool) {
		if name == "lp" {
			return "/dev/lp0", true
		}
		return "", false
	}
	out, err := ExpandToken("${lp}", JobInfo{}, "", pcOpt)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "/dev/lp0" {
		t.Fatalf("got %v", out)
	}
}

func TestExpandTokenUnknownFieldErrors(t *testing.T) {
	if _, err := ExpandToken("$Q", JobInfo{}, "", nil); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestBuildArgvFullCommand(t *testing.T) {
	ji := JobInfo{Printer: "lp0", JobNumber: 12, Logname: "alice"}
	argv, err := BuildArgv(`/usr/lib/filter $0P $n $*`, ji, "-w80", nil)
	if err != nil {
		t.Fatalf("build argv: %v", err)
	}
	want := []string{"/usr/lib/filter", "-P", "lp0", "-nalice", "-w80"}
	if len(argv) != len(want) {
		t.Fatalf("got %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestUnescapeOctal(t *testing.T) {
	out, err := ExpandToken(`line1\n\101`, JobInfo{}, "", nil)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if out[0] != "line1\nA" {
		t.Fatalf("got %q", out[0])
	}
}

func TestEnvBuild(t *testing.T) {
	e := Env{Printer: "lp0", User: "alice", SpoolDir: "/var/spool/lp0"}
	vars := e.Build()
	joined := strings.Join(vars, "\n")
	if !strings.Contains(joined, "PRINTER=lp0") || !strings.Contains(joined, "SPOOL_DIR=/var/spool/lp0") {
		t.Fatalf("missing expected vars: %v", vars)
	}
}

func TestRunSuccess(t *testing.T) {
	var out bytes.Buffer
	var lines []string
	res := Run(context.Background(), []string{"/bin/sh", "-c", "echo body; echo status >&2"}, nil, nil, &out, nil, func(l string) {
		lines = append(lines, l)
	})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if out.String() != "body\n" {
		t.Fatalf("stdout = %q", out.String())
	}
	if len(lines) != 1 || lines[0] != "status" {
		t.Fatalf("stderr lines = %v", lines)
	}
}

func TestRunNonzeroExitMapsToFail(t *testing.T) {
	res := Run(context.Background(), []string{"/bin/sh", "-c", "exit 1"}, nil, nil, nil, nil, nil)
	if res.Status != StatusFail {
		t.Fatalf("status = %v", res.Status)
	}
}

func TestRunRecognizedExitCode(t *testing.T) {
	res := Run(context.Background(), []string{"/bin/sh", "-c", "exit 4"}, nil, nil, nil, nil, nil)
	if res.Status != StatusHold {
		t.Fatalf("status = %v, want StatusHold", res.Status)
	}
}
