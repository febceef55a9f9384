// Package printcap resolves a queue name to its effective configuration
// by parsing colon-separated printcap records, expanding "tc=" includes,
// applying role-tag overrides, and performing "%"-key expansion.
package printcap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/imdario/mergo"

	"github.com/lprng-go/lpspoold/internal/hostinfo"
	"github.com/lprng-go/lpspoold/internal/linelist"
)

// Role is the process's visibility role: entries tagged ":server" or
// ":client" are only visible in the matching role.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// MaxTCDepth bounds recursive "tc=" expansion; exceeding it is fatal per
// spec.md §4.2 step 5 ("exceeding the limit is fatal").
const MaxTCDepth = 16

// ErrTCDepthExceeded is returned when tc= inclusion recurses past MaxTCDepth.
var ErrTCDepthExceeded = fmt.Errorf("printcap: tc= inclusion depth exceeds %d", MaxTCDepth)

// Record is one raw printcap entry: a primary name, its aliases, and the
// colon-separated option body before any role/oh filtering is applied.
type Record struct {
	Primary string
	Aliases []string
	Raw     string // colon-separated option body, continuations already joined
	Role    string // "", "server", or "client" — from a bare ":server"/":client" tag
	OH      string // host-IP glob from ":oh=pattern", or ""
}

// Names returns Primary plus Aliases.
func (r Record) Names() []string {
	out := make([]string, 0, len(r.Aliases)+1)
	out = append(out, r.Primary)
	out = append(out, r.Aliases...)
	return out
}

// Parse splits raw printcap text (already with "\"-continuations joined
// by the caller — see JoinContinuations) into records, one per
// non-comment, non-blank line.
func Parse(lines []string) []Record {
	var out []Record
	for _, line := range lines {
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) == 0 {
			continue
		}
		names := strings.Split(fields[0], "|")
		rec := Record{
			Primary: strings.TrimSpace(names[0]),
			Aliases: trimAll(names[1:]),
			Raw:     strings.Join(fields[1:], ":"),
		}
		for _, opt := range fields[1:] {
			opt = strings.TrimSpace(opt)
			switch {
			case opt == "server":
				rec.Role = "server"
			case opt == "client":
				rec.Role = "client"
			case strings.HasPrefix(opt, "oh="):
				rec.OH = strings.TrimPrefix(opt, "oh=")
			}
		}
		out = append(out, rec)
	}
	return out
}

func trimAll(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// JoinContinuations joins lines ending in "\" with the following line,
// as printcap's continuation syntax requires.
func JoinContinuations(rawLines []string) []string {
	var out []string
	var cur strings.Builder
	inCont := false
	for _, l := range rawLines {
		trimmed := strings.TrimRight(l, "\r\n")
		if inCont {
			cur.WriteString(strings.TrimLeft(trimmed, " \t"))
		} else {
			cur.Reset()
			cur.WriteString(trimmed)
		}
		if strings.HasSuffix(cur.String(), "\\") {
			s := cur.String()
			cur.Reset()
			cur.WriteString(strings.TrimSuffix(s, "\\"))
			inCont = true
			continue
		}
		out = append(out, cur.String())
		inCont = false
	}
	return out
}

// Resolver indexes a parsed record set for repeated lookups.
type Resolver struct {
	records  []Record
	byName   map[string]int // lowercased name -> index into records
	role     Role
	local    hostinfo.Info
	defaults map[string]string
}

// NewResolver builds a Resolver from parsed records, filtering out
// entries whose role/oh visibility does not match role/local.
func NewResolver(records []Record, role Role, local hostinfo.Info, defaults map[string]string) *Resolver {
	r := &Resolver{byName: map[string]int{}, role: role, local: local, defaults: defaults}
	roleStr := "server"
	if role == RoleClient {
		roleStr = "client"
	}
	for _, rec := range records {
		if rec.Role != "" && rec.Role != roleStr {
			continue
		}
		if rec.OH != "" && !ohMatches(rec.OH, local) {
			continue
		}
		idx := len(r.records)
		r.records = append(r.records, rec)
		for _, n := range rec.Names() {
			r.byName[strings.ToLower(n)] = idx
		}
	}
	return r
}

func ohMatches(pattern string, local hostinfo.Info) bool {
	for _, ip := range local.Addrs {
		if matchGlob(pattern, ip.String()) {
			return true
		}
	}
	return false
}

// matchGlob supports '*' and '?' wildcards, case-sensitively, sufficient
// for the "oh=" IP pattern and printcap wildcard-name lookups.
func matchGlob(pattern, s string) bool {
	return globMatch([]rune(pattern), []rune(s))
}

func globMatch(pat, s []rune) bool {
	if len(pat) == 0 {
		return len(s) == 0
	}
	switch pat[0] {
	case '*':
		if globMatch(pat[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatch(pat[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pat[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pat[0] {
			return false
		}
		return globMatch(pat[1:], s[1:])
	}
}

// Lookup resolves name to its aliases and merged option set, following
// spec.md §4.2 step 4: exact match, then wildcard-record match, then the
// "*" fallback record.
func (r *Resolver) Lookup(name string) (aliases []string, opts *linelist.LineList, err error) {
	idx, ok := r.exactOrWildcard(name)
	if !ok {
		return nil, nil, fmt.Errorf("printcap: no entry for %q", name)
	}

	merged, err := r.expand(idx, map[string]bool{})
	if err != nil {
		return nil, nil, err
	}

	r.applyDefaults(merged)
	r.applyRoleOverrides(merged)

	rec := r.records[idx]
	return rec.Aliases, merged, nil
}

func (r *Resolver) exactOrWildcard(name string) (int, bool) {
	if idx, ok := r.byName[strings.ToLower(name)]; ok {
		return idx, true
	}
	lower := strings.ToLower(name)
	for i, rec := range r.records {
		for _, n := range rec.Names() {
			if strings.ContainsAny(n, "*?") && globMatch(strings.ToLower(n), lower) {
				return i, true
			}
		}
	}
	if idx, ok := r.byName["*"]; ok {
		return idx, true
	}
	return 0, false
}

// expand resolves a record's option LineList, recursively merging any
// tc=name,name,... targets, with a visited-set to break cycles and a
// hard depth cap per spec.md §9.
func (r *Resolver) expand(idx int, visited map[string]bool) (*linelist.LineList, error) {
	rec := r.records[idx]
	key := strings.ToLower(rec.Primary)
	if visited[key] {
		return nil, fmt.Errorf("printcap: tc= cycle detected at %q", rec.Primary)
	}
	if len(visited) >= MaxTCDepth {
		return nil, ErrTCDepthExceeded
	}
	visited[key] = true

	opts := linelist.Split(rec.Raw, ":", true, false, true, true, false, "\\")

	if tc, ok := opts.FindStr("tc"); ok {
		for _, inc := range strings.Split(tc, ",") {
			inc = strings.TrimSpace(inc)
			if inc == "" {
				continue
			}
			incIdx, ok := r.byName[strings.ToLower(inc)]
			if !ok {
				return nil, fmt.Errorf("printcap: tc= refers to unknown entry %q", inc)
			}
			incOpts, err := r.expand(incIdx, visited)
			if err != nil {
				return nil, err
			}
			merged := map[string]string{}
			for _, l := range incOpts.Lines {
				k := l
				v := ""
				if i := strings.IndexAny(l, "=#"); i >= 0 {
					k, v = l[:i], l[i:]
				}
				merged[k] = v
			}
			dst := map[string]string{}
			for _, l := range opts.Lines {
				k := l
				v := ""
				if i := strings.IndexAny(l, "=#"); i >= 0 {
					k, v = l[:i], l[i:]
				}
				dst[k] = v
			}
			_ = mergo.Merge(&dst, merged)
			opts = linelist.New(true, true)
			for k, v := range dst {
				opts.Add(k + v)
			}
		}
	}
	return opts, nil
}

func (r *Resolver) applyDefaults(opts *linelist.LineList) {
	for k, v := range r.defaults {
		if _, ok := opts.FindStr(k); ok {
			continue
		}
		if _, ok := opts.FindFlag(k); ok {
			continue
		}
		opts.SetStr(k, v)
	}
}

// applyRoleOverrides copies "role.X" keys onto "X" when role matches,
// per spec.md §4.2 step 7.
func (r *Resolver) applyRoleOverrides(opts *linelist.LineList) {
	prefix := "server."
	if r.role == RoleClient {
		prefix = "client."
	}
	for _, line := range append([]string(nil), opts.Lines...) {
		key := line
		if i := strings.IndexAny(line, "=#"); i >= 0 {
			key = line[:i]
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		target := strings.TrimPrefix(key, prefix)
		val := valuePart(line)
		opts.SetStr(target, val)
	}
}

func valuePart(line string) string {
	if i := strings.IndexAny(line, "=#"); i >= 0 {
		return line[i+1:]
	}
	return ""
}

// ExpandVars performs "%"-key expansion on s using the fixed key-letter
// map, per spec.md §4.2 step 8. vars maps a single expansion letter (P,
// h, H, R, M, D, ...) to its substitution.
func ExpandVars(s string, vars map[byte]string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		k := s[i+1]
		if k == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if v, ok := vars[k]; ok {
			b.WriteString(v)
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// FormatInt is a small helper kept here so callers building vars maps
// don't need strconv directly for numeric option values.
func FormatInt(n int) string { return strconv.Itoa(n) }
