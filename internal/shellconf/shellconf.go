// Package shellconf models configuration files written as shell variable
// assignments, such as /etc/default/grub and /etc/mkinitcpio.conf.
//
// A file is parsed into an ordered list of entries. Comments, blank lines and
// anything that is not an assignment are kept verbatim. Entries that are
// never modified serialize back to their original text, so an unmodified file
// round-trips byte for byte and a modification touches only its own entry.
// Arrays may span several lines; a trailing comment stays with its value.
package shellconf

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/kballard/go-shellquote"
)

// ErrUnsupported is returned when a key is assigned with syntax this package
// cannot rewrite safely, such as command substitution or mixed quoting.
var ErrUnsupported = errors.New("assignment not understood")

var reAssign = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

type kind int

const (
	kindRaw kind = iota
	kindScalar
	kindArray
)

// entry is one logical line. Raw entries that still assign a key carry it,
// so that a later Set cannot silently shadow them.
type entry struct {
	kind    kind
	key     string
	value   string
	items   []string
	quote   byte
	comment string
	raw     string
	dirty   bool
}

type File struct {
	entries []*entry
}

func Parse(data []byte) *File {
	f := &File{}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return f
	}
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		m := reAssign.FindStringSubmatch(lines[i])
		if m == nil {
			f.entries = append(f.entries, &entry{kind: kindRaw, raw: lines[i]})
			continue
		}
		key, rest := m[1], strings.TrimSpace(m[2])
		if !strings.HasPrefix(rest, "(") {
			f.entries = append(f.entries, parseScalar(lines[i], key, rest))
			continue
		}
		// arrays run until the line holding the closing parenthesis; the next
		// assignment or the end of the file means it never closes
		end, closed := i, false
		for end < len(lines) {
			if end > i && reAssign.MatchString(lines[end]) {
				break
			}
			if closed = closesArray(lines[i : end+1]); closed {
				break
			}
			end++
		}
		if !closed {
			f.entries = append(f.entries, &entry{kind: kindRaw, key: key, raw: strings.Join(lines[i:end], "\n")})
			i = end - 1
			continue
		}
		raw := strings.Join(lines[i:end+1], "\n")
		f.entries = append(f.entries, parseArray(raw, key, lines[i:end+1]))
		i = end
	}
	return f
}

// splitComment separates a trailing "# ..." from a value. A # only starts a
// comment at the beginning of a word and outside quotes. ok is false when a
// quote is left open.
func splitComment(s string) (value, comment string, ok bool) {
	var q byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case q != 0:
			if c == q {
				q = 0
			} else if c == '\\' && q == '"' {
				i++
			}
		case c == '\\':
			i++
		case c == '"' || c == '\'':
			q = c
		case c == '#' && (i == 0 || s[i-1] == ' ' || s[i-1] == '\t'):
			return strings.TrimRight(s[:i], " \t"), s[i:], true
		}
	}
	return strings.TrimRight(s, " \t"), "", q == 0
}

func closesArray(lines []string) bool {
	for _, l := range lines {
		v, _, ok := splitComment(l)
		if !ok {
			return false
		}
		if strings.Contains(v, ")") {
			return true
		}
	}
	return false
}

func parseArray(raw, key string, lines []string) *entry {
	bad := &entry{kind: kindRaw, key: key, raw: raw}
	var body []string
	var comment string
	for _, l := range lines {
		v, c, ok := splitComment(l)
		if !ok {
			return bad
		}
		body = append(body, v)
		comment = c
	}
	text := strings.Join(body, "\n")
	text = strings.TrimSpace(text[strings.Index(text, "=")+1:])
	if !strings.HasPrefix(text, "(") || !strings.HasSuffix(text, ")") || strings.Count(text, ")") != 1 {
		return bad
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(text, "("), ")")
	if strings.ContainsAny(inner, "$`") {
		return bad
	}
	items, err := shellquote.Split(inner)
	if err != nil {
		return bad
	}
	if items == nil {
		items = []string{}
	}
	return &entry{kind: kindArray, key: key, items: items, comment: comment, raw: raw}
}

func parseScalar(line, key, rest string) *entry {
	bad := &entry{kind: kindRaw, key: key, raw: line}
	v, comment, ok := splitComment(rest)
	if !ok {
		return bad
	}
	e := &entry{kind: kindScalar, key: key, comment: comment, raw: line}
	switch {
	case v == "":
	case v[0] == '"' || v[0] == '\'':
		inner := v[1:]
		if len(v) < 2 || v[len(v)-1] != v[0] || strings.IndexByte(inner[:len(inner)-1], v[0]) >= 0 {
			return bad
		}
		e.value, e.quote = inner[:len(inner)-1], v[0]
	case strings.ContainsAny(v, " \t\"'`$\\;&|<>()"):
		return bad
	default:
		e.value = v
	}
	return e
}

// last returns the effective entry for key; later assignments win, as in sh.
// It may be a raw entry that could not be parsed.
func (f *File) last(key string) *entry {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if e := f.entries[i]; e.key == key {
			return e
		}
	}
	return nil
}

// Has reports whether key is assigned, even in a form Get cannot read.
func (f *File) Has(key string) bool { return f.last(key) != nil }

// Get returns a scalar value. Array entries report false.
func (f *File) Get(key string) (string, bool) {
	e := f.last(key)
	if e == nil || e.kind != kindScalar {
		return "", false
	}
	return e.value, true
}

// Set assigns a scalar, replacing the effective assignment in place or
// appending a new one. The existing quote style is kept; new values are
// double-quoted. It fails with ErrUnsupported rather than shadow an
// assignment it could not parse.
func (f *File) Set(key, value string) error {
	e := f.last(key)
	if e == nil {
		f.entries = append(f.entries, &entry{kind: kindScalar, key: key, value: value, quote: '"', dirty: true})
		return nil
	}
	if e.kind == kindRaw {
		return fmt.Errorf("%s: %w", key, ErrUnsupported)
	}
	if e.kind == kindScalar && e.value == value {
		return nil
	}
	if e.kind != kindScalar || (e.quote == 0 && needsQuote(value)) {
		e.quote = '"'
	}
	e.kind, e.value, e.items, e.dirty = kindScalar, value, nil, true
	return nil
}

// Array returns the items of a KEY=(...) assignment.
func (f *File) Array(key string) ([]string, bool) {
	e := f.last(key)
	if e == nil || e.kind != kindArray {
		return nil, false
	}
	return append([]string(nil), e.items...), true
}

// SetArray assigns KEY=(items...) with the same rules as Set.
func (f *File) SetArray(key string, items []string) error {
	e := f.last(key)
	if e == nil {
		f.entries = append(f.entries, &entry{kind: kindArray, key: key, items: append([]string(nil), items...), dirty: true})
		return nil
	}
	if e.kind == kindRaw {
		return fmt.Errorf("%s: %w", key, ErrUnsupported)
	}
	if e.kind == kindArray && equal(e.items, items) {
		return nil
	}
	e.kind, e.items, e.value, e.dirty = kindArray, append([]string(nil), items...), "", true
	return nil
}

// Keys lists assigned keys in file order without duplicates.
func (f *File) Keys() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range f.entries {
		if e.key != "" && !seen[e.key] {
			seen[e.key] = true
			out = append(out, e.key)
		}
	}
	return out
}

func (f *File) Bytes() []byte {
	if len(f.entries) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range f.entries {
		b.WriteString(e.render())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (e *entry) render() string {
	if !e.dirty {
		return e.raw
	}
	var out string
	switch e.kind {
	case kindArray:
		out = e.key + "=(" + shellquote.Join(e.items...) + ")"
	case kindScalar:
		q := ""
		if e.quote != 0 {
			q = string(e.quote)
		}
		out = e.key + "=" + q + e.value + q
	default:
		return e.raw
	}
	if e.comment != "" {
		out += " " + e.comment
	}
	return out
}

func needsQuote(v string) bool {
	return v == "" || strings.ContainsAny(v, " \t\"'$`\\#;&|<>()")
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Words splits a scalar value on whitespace.
func Words(v string) []string { return strings.Fields(v) }

// Diff renders a unified diff between two versions of a file, or "" when
// they are identical.
func Diff(name string, before, after []byte) string {
	if string(before) == string(after) {
		return ""
	}
	return udiff.Unified(name, name, string(before), string(after))
}
