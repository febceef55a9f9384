// Package linelist implements the ordered, optionally-sorted string-list
// container used throughout lpspoold: configuration, printcap entries,
// job tickets, permission rules, and command tokens are all backed by it.
package linelist

import (
	"sort"
	"strconv"
	"strings"
)

// LineList is an ordered sequence of strings. When Sorted is true, Add
// keeps the list in case-insensitive ascending order of the key prefix
// (the part of each entry up to the first rune in the separator set) and
// Uniq controls whether inserting a duplicate key replaces the existing
// entry instead of appending a new one.
type LineList struct {
	Lines  []string
	Sorted bool
	Uniq   bool
	// KeySeps is the set of runes that terminate a key for sorting and
	// key lookups; defaults to "=" when empty.
	KeySeps string
}

// New returns an empty LineList with the given sort/uniq behavior.
func New(sorted, uniq bool) *LineList {
	return &LineList{Sorted: sorted, Uniq: uniq, KeySeps: "="}
}

func (l *LineList) seps() string {
	if l.KeySeps == "" {
		return "="
	}
	return l.KeySeps
}

// keyOf returns the portion of s up to (not including) the first rune in
// seps, or all of s if none is present.
func keyOf(s, seps string) string {
	if i := strings.IndexAny(s, seps); i >= 0 {
		return s[:i]
	}
	return s
}

// FindFirstKey performs a lower-bound search for key among Lines, which
// must already be sorted by KeySeps-terminated key if l.Sorted is set.
// It returns the comparison of the found slot (0 = exact match, <0/>0 the
// direction the search ended on) and the index of that slot, mirroring a
// C++-style std::lower_bound.
func (l *LineList) FindFirstKey(key string) (cmp int, idx int) {
	seps := l.seps()
	lower := strings.ToLower(key)
	idx = sort.Search(len(l.Lines), func(i int) bool {
		return strings.ToLower(keyOf(l.Lines[i], seps)) >= lower
	})
	if idx < len(l.Lines) && strings.EqualFold(keyOf(l.Lines[idx], seps), key) {
		return 0, idx
	}
	if idx >= len(l.Lines) {
		return 1, idx
	}
	return -1, idx
}

// FindLastKey returns the index one past the last entry whose key
// case-insensitively equals key, or the same slot as FindFirstKey when
// there is no match (Uniq lists only ever have zero or one match).
func (l *LineList) FindLastKey(key string) (cmp int, idx int) {
	c, i := l.FindFirstKey(key)
	if c != 0 {
		return c, i
	}
	seps := l.seps()
	for i < len(l.Lines) && strings.EqualFold(keyOf(l.Lines[i], seps), key) {
		i++
	}
	return 0, i
}

// Add appends (or inserts, if Sorted) a line. If Uniq is set and an entry
// with the same key already exists, it is replaced in place.
func (l *LineList) Add(line string) {
	if !l.Sorted {
		if l.Uniq {
			key := keyOf(line, l.seps())
			for i, ln := range l.Lines {
				if strings.EqualFold(keyOf(ln, l.seps()), key) {
					l.Lines[i] = line
					return
				}
			}
		}
		l.Lines = append(l.Lines, line)
		return
	}

	key := keyOf(line, l.seps())
	cmp, idx := l.FindFirstKey(key)
	if cmp == 0 && l.Uniq {
		l.Lines[idx] = line
		return
	}
	l.Lines = append(l.Lines, "")
	copy(l.Lines[idx+1:], l.Lines[idx:])
	l.Lines[idx] = line
}

// Remove deletes the entry at idx.
func (l *LineList) Remove(idx int) {
	if idx < 0 || idx >= len(l.Lines) {
		return
	}
	l.Lines = append(l.Lines[:idx], l.Lines[idx+1:]...)
}

// FindStr returns the string value of the first entry whose key matches,
// decoding "key=value" bodies; it does not strip a trailing "@" flag-off
// marker (use FindFlag for that).
func (l *LineList) FindStr(key string) (string, bool) {
	cmp, idx := l.FindFirstKey(key)
	if !l.Sorted {
		for i, ln := range l.Lines {
			k := keyOf(ln, l.seps())
			if strings.EqualFold(k, key) {
				return valueOf(ln, l.seps()), true
			}
			_ = i
		}
		return "", false
	}
	if cmp != 0 {
		return "", false
	}
	return valueOf(l.Lines[idx], l.seps()), true
}

func valueOf(line, seps string) string {
	if i := strings.IndexAny(line, seps); i >= 0 {
		return line[i+1:]
	}
	return ""
}

// FindInt parses the FindStr value as a decimal integer.
func (l *LineList) FindInt(key string) (int, bool) {
	s, ok := l.FindStr(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FindFlag reports a boolean option per the fixed decoding convention: a
// bare key is flag-on, "key@" is flag-off, anything else is not a flag.
func (l *LineList) FindFlag(key string) (value bool, present bool) {
	for _, ln := range l.Lines {
		if strings.EqualFold(ln, key) {
			return true, true
		}
		if strings.EqualFold(ln, key+"@") {
			return false, true
		}
	}
	return false, false
}

// SetStr inserts or replaces a "key=value" entry.
func (l *LineList) SetStr(key, value string) {
	l.removeKey(key)
	l.Add(key + "=" + value)
}

// SetInt inserts or replaces a "key=N" entry.
func (l *LineList) SetInt(key string, n int) {
	l.SetStr(key, strconv.Itoa(n))
}

func (l *LineList) removeKey(key string) {
	out := l.Lines[:0:0]
	for _, ln := range l.Lines {
		if strings.EqualFold(keyOf(ln, l.seps()), key) {
			continue
		}
		out = append(out, ln)
	}
	l.Lines = out
}

// Join concatenates all lines with sep between them.
func (l *LineList) Join(sep string) string {
	return strings.Join(l.Lines, sep)
}

// Split populates the list from src, splitting on any rune in seps,
// honoring escChars as characters whose following rune is taken
// literally (so "\\:" does not split on ":"). When trimWhitespace is
// set, leading/trailing whitespace is trimmed from each resulting
// token; when nocomment is set, tokens starting with "#" (after
// trimming) are dropped.
func Split(src, seps string, sort_, keySort bool, uniq, trimWhitespace, nocomment bool, escChars string) *LineList {
	l := New(sort_, uniq)
	var tokens []string
	var b strings.Builder
	escaped := false
	for _, r := range src {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if strings.ContainsRune(escChars, r) {
			escaped = true
			continue
		}
		if strings.ContainsRune(seps, r) {
			tokens = append(tokens, b.String())
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	tokens = append(tokens, b.String())

	for _, tok := range tokens {
		if trimWhitespace {
			tok = strings.TrimSpace(tok)
		}
		if tok == "" {
			continue
		}
		if nocomment && strings.HasPrefix(strings.TrimSpace(tok), "#") {
			continue
		}
		l.Add(tok)
	}
	return l
}

// Clone returns a deep copy.
func (l *LineList) Clone() *LineList {
	cp := &LineList{Sorted: l.Sorted, Uniq: l.Uniq, KeySeps: l.KeySeps}
	cp.Lines = append([]string(nil), l.Lines...)
	return cp
}

// Len returns the number of entries.
func (l *LineList) Len() int { return len(l.Lines) }
