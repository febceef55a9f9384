// Package permission evaluates an ordered rule list against a
// (service, user, host, job) check context, generalizing the teacher's
// hand-rolled auth-cookie gate (internal/server/auth.go) into the
// clause-rule evaluator of spec.md §4.3.
package permission

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lprng-go/lpspoold/internal/linelist"
)

// Service is one of the closed set of service letters a rule's
// "service" clause can match against.
type Service byte

const (
	ServicePrint   Service = 'P'
	ServiceQuery   Service = 'Q'
	ServiceRemove  Service = 'M'
	ServiceControl Service = 'C'
	ServiceConnect Service = 'X'
	ServiceReceive Service = 'R'
)

// Verdict is a rule or overall evaluation outcome.
type Verdict int

const (
	NotMatch Verdict = iota
	Accept
	Reject
)

// Context is the tuple a rule set is evaluated against, per spec.md
// §4.3: "service letter; remote user; remote host; optional job".
type Context struct {
	Service      Service
	User         string
	Host         string // local queue/printer name's owning host, if relevant
	RemoteHost   string
	RemoteUser   string
	IP           net.IP
	Port         int
	RemoteIP     net.IP
	Printer      string
	Forwarded    bool
	SameHost     bool
	SameUser     bool
	ControlUser  string
	Auth         bool
	AuthType     string
	AuthUser     string
	AuthFrom     string
	AuthSameUser bool
	Groups       []string
	Server       bool
	LPC          string
}

// Rule is one ordered entry: a set of clauses (all must match) plus its
// verdict keyword.
type Rule struct {
	Verdict Verdict // Accept or Reject; NotMatch is invalid for a parsed rule
	Clauses []Clause
}

// Clause is one "key=value[,value...]" comparison.
type Clause struct {
	Key    string
	Values []string
}

// RuleSet is the parsed, ordered permission rule list.
type RuleSet struct {
	Rules []Rule
}

// Parse reads permission-file text (one rule per LineList-joined
// logical line, clauses comma/colon separated as "key=v1,v2") into a
// RuleSet. Lines beginning with accept/reject are rule bodies;
// continuation follows the backslash-escape convention shared with
// printcap via internal/linelist.
func Parse(text string) *RuleSet {
	l := linelist.Split(text, "\n", false, false, false, true, true, "\\")
	rs := &RuleSet{}
	for _, line := range l.Lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var r Rule
		switch strings.ToLower(fields[0]) {
		case "accept":
			r.Verdict = Accept
		case "reject":
			r.Verdict = Reject
		default:
			continue
		}
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				continue
			}
			r.Clauses = append(r.Clauses, Clause{Key: strings.ToLower(k), Values: strings.Split(v, ",")})
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs
}

// ParseFile reads a permission file from disk; a missing file is an
// empty RuleSet (default ACCEPT, per spec.md §4.3 "no match -> default
// ACCEPT").
func ParseFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RuleSet{}, nil
		}
		return nil, err
	}
	return Parse(string(data)), nil
}

// Check evaluates ctx against the rule set: first matching rule wins;
// no match defaults to Accept, per spec.md §4.3.
func (rs *RuleSet) Check(ctx Context) Verdict {
	for _, r := range rs.Rules {
		if ruleMatches(r, ctx) {
			return r.Verdict
		}
	}
	return Accept
}

func ruleMatches(r Rule, ctx Context) bool {
	for _, c := range r.Clauses {
		if !clauseMatches(c, ctx) {
			return false
		}
	}
	return true
}

func clauseMatches(c Clause, ctx Context) bool {
	switch c.Key {
	case "service":
		return anyMatch(c.Values, string(ctx.Service), matchString)
	case "user":
		return anyMatch(c.Values, ctx.User, matchString)
	case "host":
		return anyMatch(c.Values, ctx.Host, matchString)
	case "remotehost":
		return anyMatch(c.Values, ctx.RemoteHost, matchString)
	case "remoteuser":
		return anyMatch(c.Values, ctx.RemoteUser, matchString)
	case "ip":
		return anyMatch(c.Values, ipString(ctx.IP), matchAddr)
	case "remoteip":
		return anyMatch(c.Values, ipString(ctx.RemoteIP), matchAddr)
	case "port":
		return anyMatch(c.Values, strconv.Itoa(ctx.Port), matchString)
	case "printer":
		return anyMatch(c.Values, ctx.Printer, matchString)
	case "forwarded":
		return matchBool(c.Values, ctx.Forwarded)
	case "samehost":
		return matchBool(c.Values, ctx.SameHost)
	case "sameuser":
		return matchBool(c.Values, ctx.SameUser)
	case "controluser":
		return anyMatch(c.Values, ctx.ControlUser, matchString)
	case "auth":
		return matchBool(c.Values, ctx.Auth)
	case "authtype":
		return anyMatch(c.Values, ctx.AuthType, matchString)
	case "authuser":
		return anyMatch(c.Values, ctx.AuthUser, matchString)
	case "authfrom":
		return anyMatch(c.Values, ctx.AuthFrom, matchString)
	case "authsameuser":
		return matchBool(c.Values, ctx.AuthSameUser)
	case "group":
		for _, g := range ctx.Groups {
			if anyMatch(c.Values, g, matchString) {
				return true
			}
		}
		return false
	case "server":
		return matchBool(c.Values, ctx.Server)
	case "lpc":
		return anyMatch(c.Values, ctx.LPC, matchString)
	default:
		return false
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func matchBool(values []string, actual bool) bool {
	for _, v := range values {
		want := v != "0" && !strings.EqualFold(v, "no") && !strings.EqualFold(v, "false")
		if want == actual {
			return true
		}
	}
	return false
}

// anyMatch reports whether subject matches any of values under the
// given per-value matcher, with the netgroup ("@name") and file
// ("/path") forms handled uniformly ahead of the caller-supplied
// matcher per spec.md §4.3 clause vocabulary.
func anyMatch(values []string, subject string, m func(pattern, subject string) bool) bool {
	for _, v := range values {
		switch {
		case strings.HasPrefix(v, "@"):
			if netgroupContains(v[1:], subject) {
				return true
			}
		case strings.HasPrefix(v, "/"):
			if fileContains(v, subject) {
				return true
			}
		default:
			if m(v, subject) {
				return true
			}
		}
	}
	return false
}

// matchString does case-insensitive glob matching via path/filepath.Match
// (spec.md §4.1 boundary-level rule: reach for stdlib at wire/filesystem
// boundaries rather than hand-rolling another glob matcher on top of
// printcap's).
func matchString(pattern, subject string) bool {
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(subject))
	return err == nil && ok
}

// matchAddr supports bare IPs, glob patterns, and addr/mask CIDR syntax.
func matchAddr(pattern, subject string) bool {
	if subject == "" {
		return false
	}
	if strings.Contains(pattern, "/") {
		_, cidr, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(subject)
		return ip != nil && cidr.Contains(ip)
	}
	return matchString(pattern, subject)
}

// netgroupContains reports whether subject appears in the named
// netgroup file loaded from the configured netgroup directory; absent
// any configured source it always reports false (netgroup resolution
// is an external-collaborator concern per spec.md §1).
func netgroupContains(name, subject string) bool {
	path := filepath.Join("/etc", "netgroup")
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != name {
			continue
		}
		for _, member := range fields[1:] {
			member = strings.Trim(member, "()")
			parts := strings.Split(member, ",")
			for _, p := range parts {
				if p == subject {
					return true
				}
			}
		}
	}
	return false
}

// fileContains reports whether subject (one per line) appears in the
// file named by path, the "/path/to/file" inclusion form.
func fileContains(path, subject string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if matchString(line, subject) {
			return true
		}
	}
	return false
}
