package printcap

import (
	"testing"

	"github.com/lprng-go/lpspoold/internal/hostinfo"
)

func TestParseAliasesAndTC(t *testing.T) {
	raw := []string{
		"lp|lp0|localprinter:\\",
		"\t:sd=/var/spool/lp:\\",
		"\t:tc=generic:",
		"generic:mx#0:sh",
	}
	joined := JoinContinuations(raw)
	recs := Parse(joined)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(recs), recs)
	}

	local, _ := hostinfo.Resolve(testCtx(), "127.0.0.1")
	r := NewResolver(recs, RoleServer, local, nil)

	aliases, opts, err := r.Lookup("lp")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(aliases) != 2 || aliases[0] != "lp0" {
		t.Fatalf("unexpected aliases: %v", aliases)
	}
	if v, ok := opts.FindStr("sd"); !ok || v != "/var/spool/lp" {
		t.Fatalf("sd = %q, %v", v, ok)
	}
	if n, ok := opts.FindInt("mx"); !ok || n != 0 {
		t.Fatalf("mx (from tc=generic) = %d, %v", n, ok)
	}
	if v, ok := opts.FindFlag("sh"); !ok || !v {
		t.Fatalf("sh (from tc=generic) = %v, %v", v, ok)
	}
}

func TestTCCycleDetected(t *testing.T) {
	raw := []string{"a:tc=b:", "b:tc=a:"}
	recs := Parse(raw)
	local, _ := hostinfo.Resolve(testCtx(), "127.0.0.1")
	r := NewResolver(recs, RoleServer, local, nil)
	if _, _, err := r.Lookup("a"); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestRoleOverride(t *testing.T) {
	recs := Parse([]string{"lp:rp=remote:server.rp=localoverride:"})
	local, _ := hostinfo.Resolve(testCtx(), "127.0.0.1")
	r := NewResolver(recs, RoleServer, local, nil)
	_, opts, err := r.Lookup("lp")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if v, _ := opts.FindStr("rp"); v != "localoverride" {
		t.Fatalf("expected role override to win, got %q", v)
	}
}

func TestExpandVarsIdempotent(t *testing.T) {
	vars := map[byte]string{'P': "lp", 'h': "host1"}
	s := "printer=%P host=%h literal=%%"
	out := ExpandVars(s, vars)
	if out != "printer=lp host=host1 literal=%" {
		t.Fatalf("unexpected expansion: %q", out)
	}
	// idempotent after one pass with no more '%' left to expand.
	if ExpandVars(out, vars) != out {
		t.Fatalf("expansion not stable on second pass")
	}
}

func TestOrderingInvariance(t *testing.T) {
	a := Parse([]string{"lp:sd=/a:mx#0:", "other:sd=/b:"})
	b := Parse([]string{"other:sd=/b:", "lp:sd=/a:mx#0:"})
	local, _ := hostinfo.Resolve(testCtx(), "127.0.0.1")
	ra := NewResolver(a, RoleServer, local, nil)
	rb := NewResolver(b, RoleServer, local, nil)
	_, oa, _ := ra.Lookup("lp")
	_, ob, _ := rb.Lookup("lp")
	if oa.Join(",") != ob.Join(",") {
		t.Fatalf("resolution not invariant under reordering: %q vs %q", oa.Join(","), ob.Join(","))
	}
}
