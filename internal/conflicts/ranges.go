package conflicts

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// RangeSide tells which serialization a range points into.
type RangeSide string

const (
	// SideLocal marks text present only in the local serialization.
	SideLocal RangeSide = "local"
	// SideServer marks text present only in the server serialization.
	SideServer RangeSide = "server"
)

// Range is a differing span for editor highlighting. Lines and characters
// are zero based; the end is exclusive.
type Range struct {
	Side      RangeSide `json:"side"`
	StartLine int       `json:"start_line"`
	StartChar int       `json:"start_char"`
	EndLine   int       `json:"end_line"`
	EndChar   int       `json:"end_char"`
	Text      string    `json:"text"`
}

type cursor struct {
	line int
	char int
}

func (c *cursor) advance(text string) {
	for _, r := range text {
		if r == '\n' {
			c.line++
			c.char = 0
			continue
		}
		c.char++
	}
}

// MarkRanges diffs the pretty-printed serializations of local and server
// line by line. Content that does not parse is diffed as raw text. The
// result is best effort, not a minimal edit script.
func MarkRanges(local, server []byte) []Range {
	localText := prettyOrRaw(local)
	serverText := prettyOrRaw(server)
	if localText == serverText {
		return nil
	}

	dmp := diffmatchpatch.New()
	localChars, serverChars, lines := dmp.DiffLinesToChars(localText, serverText)
	diffs := dmp.DiffMain(localChars, serverChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var ranges []Range
	var localPos, serverPos cursor
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			localPos.advance(diff.Text)
			serverPos.advance(diff.Text)
		case diffmatchpatch.DiffDelete:
			start := localPos
			localPos.advance(diff.Text)
			ranges = append(ranges, newRange(SideLocal, start, localPos, diff.Text))
		case diffmatchpatch.DiffInsert:
			start := serverPos
			serverPos.advance(diff.Text)
			ranges = append(ranges, newRange(SideServer, start, serverPos, diff.Text))
		}
	}
	return ranges
}

func newRange(side RangeSide, start, end cursor, text string) Range {
	return Range{
		Side:      side,
		StartLine: start.line,
		StartChar: start.char,
		EndLine:   end.line,
		EndChar:   end.char,
		Text:      strings.TrimSuffix(text, "\n"),
	}
}

func prettyOrRaw(raw []byte) string {
	node, err := ParseContent(raw)
	if err != nil {
		return string(raw)
	}
	pretty, err := Pretty(node)
	if err != nil {
		return string(raw)
	}
	return pretty
}
