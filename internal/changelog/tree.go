package changelog

import (
	"regexp"
	"strings"
)

var (
	commentRe = regexp.MustCompile(`(?ms)^[ \t]*<!--.*?-->[ \t]*$`)
	headingRe = regexp.MustCompile(`^(#+) (.+)$`)
)

// Tree is a markdown document split into sections by headings.
//
// Entries are the paragraphs and list items before the first heading; each
// section is itself a Tree whose headings are one level deeper when
// rendered. Section order is preserved.
type Tree struct {
	Entries  []string
	sections []section
}

type section struct {
	title string
	body  *Tree
}

// NewTree returns a tree with the given empty sections in order.
func NewTree(titles ...string) *Tree {
	t := &Tree{}
	for _, title := range titles {
		t.Section(title)
	}
	return t
}

// Parse reads markdown text into a Tree. HTML comments on their own lines
// are dropped. Headings with the same title at the same level are merged.
func Parse(text string) *Tree {
	text = commentRe.ReplaceAllString(text, "")
	return parseLines(strings.Split(text, "\n"))
}

func parseLines(lines []string) *Tree {
	t := &Tree{}

	first := len(lines)
	for i, line := range lines {
		if headingRe.MatchString(line) {
			first = i
			break
		}
	}
	t.Entries = splitEntries(lines[:first])

	for i := first; i < len(lines); {
		m := headingRe.FindStringSubmatch(lines[i])
		level := len(m[1])
		title := strings.TrimSpace(m[2])

		end := i + 1
		for end < len(lines) {
			if n := headingRe.FindStringSubmatch(lines[end]); n != nil && len(n[1]) <= level {
				break
			}
			end++
		}

		t.Section(title).merge(parseLines(lines[i+1 : end]))
		i = end
	}

	return t
}

// splitEntries splits lines into entries at blank lines and list items.
func splitEntries(lines []string) []string {
	var (
		entries []string
		current []string
	)
	flush := func() {
		if entry := strings.TrimSpace(strings.Join(current, "\n")); entry != "" {
			entries = append(entries, entry)
		}
		current = nil
	}

	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, "- "):
			flush()
			current = append(current, line)
		default:
			current = append(current, line)
		}
	}
	flush()
	return entries
}

// Titles returns the section titles in order.
func (t *Tree) Titles() []string {
	titles := make([]string, len(t.sections))
	for i, s := range t.sections {
		titles[i] = s.title
	}
	return titles
}

// Lookup returns the section with title, if present.
func (t *Tree) Lookup(title string) (*Tree, bool) {
	for _, s := range t.sections {
		if s.title == title {
			return s.body, true
		}
	}
	return nil, false
}

// Section returns the section with title, appending an empty one if needed.
func (t *Tree) Section(title string) *Tree {
	if body, ok := t.Lookup(title); ok {
		return body
	}
	body := &Tree{}
	t.sections = append(t.sections, section{title: title, body: body})
	return body
}

// Append adds entries at the end.
func (t *Tree) Append(entries ...string) {
	t.Entries = append(t.Entries, entries...)
}

// Empty reports whether the tree has neither entries nor sections.
func (t *Tree) Empty() bool {
	return len(t.Entries) == 0 && len(t.sections) == 0
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	c := &Tree{Entries: append([]string(nil), t.Entries...)}
	for _, s := range t.sections {
		c.sections = append(c.sections, section{title: s.title, body: s.body.Clone()})
	}
	return c
}

// Merge returns a new tree with the entries of t followed by those of other.
// Sections present in both are merged recursively; sections only in other
// follow those of t.
func (t *Tree) Merge(other *Tree) *Tree {
	out := t.Clone()
	out.merge(other)
	return out
}

func (t *Tree) merge(other *Tree) {
	t.Entries = append(t.Entries, other.Entries...)
	for _, s := range other.sections {
		t.Section(s.title).merge(s.body)
	}
}

// Strip removes empty sections recursively.
func (t *Tree) Strip() {
	kept := t.sections[:0]
	for _, s := range t.sections {
		s.body.Strip()
		if !s.body.Empty() {
			kept = append(kept, s)
		}
	}
	t.sections = kept
}

// Rename changes a section title in place, keeping its position.
func (t *Tree) Rename(old, title string) {
	for i := range t.sections {
		if t.sections[i].title == old {
			t.sections[i].title = title
		}
	}
}

// AddHeader nests the whole tree under a single new heading.
func (t *Tree) AddHeader(title string) {
	body := &Tree{Entries: t.Entries, sections: t.sections}
	t.Entries = nil
	t.sections = []section{{title: title, body: body}}
}

// MoveToEnd moves the section with title after all others.
func (t *Tree) MoveToEnd(title string) {
	for i, s := range t.sections {
		if s.title == title {
			t.sections = append(append(t.sections[:i:i], t.sections[i+1:]...), s)
			return
		}
	}
}

// String renders the tree as markdown with top-level headings at level one.
func (t *Tree) String() string {
	var b strings.Builder
	t.render(&b, 1)
	return b.String()
}

func (t *Tree) render(b *strings.Builder, level int) {
	for _, e := range t.Entries {
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	if len(t.Entries) > 0 {
		b.WriteString("\n")
	}
	for _, s := range t.sections {
		b.WriteString(strings.Repeat("#", level))
		b.WriteString(" ")
		b.WriteString(s.title)
		b.WriteString("\n\n")
		s.body.render(b, level+1)
	}
}
