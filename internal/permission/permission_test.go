package permission

import (
	"net"
	"testing"
)

func TestFirstMatchingRuleWins(t *testing.T) {
	rs := Parse(`
reject user=root
accept user=alice service=P
reject service=P
`)
	got := rs.Check(Context{Service: ServicePrint, User: "alice"})
	if got != Accept {
		t.Fatalf("alice print: got %v, want Accept", got)
	}
	got = rs.Check(Context{Service: ServicePrint, User: "bob"})
	if got != Reject {
		t.Fatalf("bob print: got %v, want Reject", got)
	}
}

func TestNoMatchDefaultsAccept(t *testing.T) {
	rs := Parse(`reject user=root`)
	if got := rs.Check(Context{User: "alice"}); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func TestMissingFileIsDefaultAccept(t *testing.T) {
	rs, err := ParseFile("/nonexistent/path/to/permissions")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if got := rs.Check(Context{User: "anyone"}); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func TestAllClausesMustMatch(t *testing.T) {
	rs := Parse(`reject user=alice service=M`)
	if got := rs.Check(Context{User: "alice", Service: ServicePrint}); got != Accept {
		t.Fatalf("partial clause match should fall through: got %v", got)
	}
	if got := rs.Check(Context{User: "alice", Service: ServiceRemove}); got != Reject {
		t.Fatalf("full clause match should reject: got %v", got)
	}
}

func TestCIDRClause(t *testing.T) {
	rs := Parse(`reject remoteip=10.0.0.0/8`)
	if got := rs.Check(Context{RemoteIP: mustParseIP("10.1.2.3")}); got != Reject {
		t.Fatalf("in-CIDR should reject, got %v", got)
	}
	if got := rs.Check(Context{RemoteIP: mustParseIP("192.168.1.1")}); got != Accept {
		t.Fatalf("out-of-CIDR should accept, got %v", got)
	}
}

func TestGlobClauseOnHost(t *testing.T) {
	rs := Parse(`reject remotehost=*.untrusted.example`)
	if got := rs.Check(Context{RemoteHost: "evil.untrusted.example"}); got != Reject {
		t.Fatalf("got %v, want Reject", got)
	}
	if got := rs.Check(Context{RemoteHost: "good.example"}); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func TestMultipleValuesAreOrAcrossComma(t *testing.T) {
	rs := Parse(`reject user=alice,bob`)
	if got := rs.Check(Context{User: "bob"}); got != Reject {
		t.Fatalf("got %v, want Reject", got)
	}
	if got := rs.Check(Context{User: "carol"}); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func TestBooleanClause(t *testing.T) {
	rs := Parse(`reject forwarded=1`)
	if got := rs.Check(Context{Forwarded: true}); got != Reject {
		t.Fatalf("got %v, want Reject", got)
	}
	if got := rs.Check(Context{Forwarded: false}); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func mustParseIP(s string) net.IP {
	return net.ParseIP(s)
}
