package chunk

import (
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"
)

// pageSeparator joins consecutive pages; it doubles as a paragraph break.
const pageSeparator = "\n\n"

var paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)

// span is a half-open byte range [start, end) into layout.text.
type span struct {
	start, end int
}

// unit is a span with its token count, the input to pack.
type unit struct {
	span
	tokens int
}

type pageRange struct {
	span
	number int
}

// layout is a document flattened into one string with a page offset table,
// so strategies work on offsets and page numbers fall out of the ranges.
type layout struct {
	text  string
	pages []pageRange
}

func newLayout(doc *Document) *layout {
	l := &layout{}
	var buf []byte
	for i, p := range doc.Pages {
		if i > 0 {
			buf = append(buf, pageSeparator...)
		}
		start := len(buf)
		buf = append(buf, p.Text...)
		l.pages = append(l.pages, pageRange{span: span{start, len(buf)}, number: p.Number})
	}
	l.text = string(buf)
	return l
}

func (l *layout) all() span {
	return span{0, len(l.text)}
}

// pageNumbers returns the sorted distinct pages overlapping s.
func (l *layout) pageNumbers(s span) []int {
	seen := make(map[int]bool)
	var pages []int
	for _, p := range l.pages {
		if p.start < s.end && s.start < p.end && !seen[p.number] {
			seen[p.number] = true
			pages = append(pages, p.number)
		}
	}
	sort.Ints(pages)
	return pages
}

// trim narrows s to exclude leading and trailing whitespace.
func (l *layout) trim(s span) (span, bool) {
	for s.start < s.end {
		r, size := utf8.DecodeRuneInString(l.text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += size
	}
	for s.end > s.start {
		r, size := utf8.DecodeLastRuneInString(l.text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= size
	}
	return s, s.start < s.end
}

// tokens returns the maximal non-whitespace runs inside s.
func (l *layout) tokens(s span) []span {
	var out []span
	start := -1
	for i, r := range l.text[s.start:s.end] {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, span{s.start + start, s.start + i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, span{s.start + start, s.end})
	}
	return out
}

func (l *layout) tokenCount(s span) int {
	return len(l.tokens(s))
}

// sentences splits s after '.', '!' or '?' when followed by whitespace.
func (l *layout) sentences(s span) []unit {
	seg := l.text[s.start:s.end]
	var out []unit
	emit := func(from, to int) {
		if sp, ok := l.trim(span{s.start + from, s.start + to}); ok {
			out = append(out, unit{span: sp, tokens: l.tokenCount(sp)})
		}
	}

	begin := 0
	for i, r := range seg {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next < len(seg) {
			nr, _ := utf8.DecodeRuneInString(seg[next:])
			if !unicode.IsSpace(nr) {
				continue
			}
		}
		emit(begin, next)
		begin = next
	}
	emit(begin, len(seg))
	return out
}

// paragraphs splits s on blank lines.
func (l *layout) paragraphs(s span) []unit {
	seg := l.text[s.start:s.end]
	var out []unit
	begin := 0
	emit := func(to int) {
		if sp, ok := l.trim(span{s.start + begin, s.start + to}); ok {
			out = append(out, unit{span: sp, tokens: l.tokenCount(sp)})
		}
	}
	for _, m := range paragraphBreak.FindAllStringIndex(seg, -1) {
		emit(m[0])
		begin = m[1]
	}
	emit(len(seg))
	return out
}

// tokenWindows covers s with windows of size tokens stepping by size-overlap.
func (l *layout) tokenWindows(s span, size, overlap int) []span {
	toks := l.tokens(s)
	if len(toks) == 0 {
		return nil
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}
	var out []span
	for i := 0; i < len(toks); i += step {
		j := i + size
		if j > len(toks) {
			j = len(toks)
		}
		out = append(out, span{toks[i].start, toks[j-1].end})
		if j == len(toks) {
			break
		}
	}
	return out
}

// pack greedily groups consecutive units into spans of at most limit
// tokens. The last overlap units of a group open the next one. A unit that
// alone exceeds limit is replaced by split(unit) and breaks the overlap chain.
func pack(units []unit, limit, overlap int, split func(unit) []span) []span {
	var out []span
	var group []unit
	total := 0
	fresh := false // group holds at least one unit not yet emitted

	flush := func() {
		if !fresh {
			return
		}
		out = append(out, span{group[0].start, group[len(group)-1].end})
		keep := overlap
		if keep > len(group)-1 {
			keep = len(group) - 1
		}
		if keep < 0 {
			keep = 0
		}
		group = append([]unit(nil), group[len(group)-keep:]...)
		total = 0
		for _, u := range group {
			total += u.tokens
		}
		fresh = false
	}

	for _, u := range units {
		if u.tokens > limit {
			flush()
			group, total = nil, 0
			out = append(out, split(u)...)
			continue
		}
		for len(group) > 0 && total+u.tokens > limit {
			if fresh {
				flush()
				continue
			}
			total -= group[0].tokens
			group = group[1:]
		}
		group = append(group, u)
		total += u.tokens
		fresh = true
	}
	flush()
	return out
}
