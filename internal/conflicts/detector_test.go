package conflicts

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDetectConflictIgnoresFormatting(t *testing.T) {
	detector := NewDetector(newFakeClock().Now, nil)
	local := []byte(`{"type":"doc","content":[{"type":"paragraph","attrs":{"align":"left","indent":1}}]}`)
	server := []byte(`{
		"content": [{"attrs": {"indent": 1, "align": "left"}, "type": "paragraph"}],
		"type": "doc"
	}`)
	if detection := detector.DetectConflict("doc-1", local, server); detection != nil {
		t.Fatalf("expected structurally equal content to pass, got %#v", detection)
	}
	if detection := detector.DetectConflict("doc-1", nil, []byte(`{"type":"doc"}`)); detection != nil {
		t.Fatalf("expected empty content to equal the empty doc")
	}
}

func TestDetectConflictComparesEveryNodeKey(t *testing.T) {
	detector := NewDetector(newFakeClock().Now, nil)
	local := []byte(`{"type":"doc","content":[{"type":"paragraph","id":"block-a","text":"same"}]}`)
	server := []byte(`{"type":"doc","content":[{"type":"paragraph","id":"block-b","text":"same"}]}`)
	if detection := detector.DetectConflict("doc-1", local, server); detection == nil {
		t.Fatalf("expected differing node ids to conflict")
	}
	if detection := detector.DetectConflict("doc-1", local, local); detection != nil {
		t.Fatalf("expected identical extra keys to pass, got %#v", detection)
	}
}

func TestDetectConflictComparesNumbersByValue(t *testing.T) {
	detector := NewDetector(newFakeClock().Now, nil)
	local := []byte(`{"type":"doc","content":[{"type":"heading","attrs":{"level":1}}]}`)
	server := []byte(`{"type":"doc","content":[{"type":"heading","attrs":{"level":1.0}}]}`)
	if detection := detector.DetectConflict("doc-1", local, server); detection != nil {
		t.Fatalf("expected 1 and 1.0 to be equal, got %#v", detection)
	}
	other := []byte(`{"type":"doc","content":[{"type":"heading","attrs":{"level":1.5}}]}`)
	if detection := detector.DetectConflict("doc-1", local, other); detection == nil {
		t.Fatalf("expected different levels to conflict")
	}
	if detection := detector.DetectConflict("doc-1", []byte(`{"type":"doc","content":[]}`), nil); detection != nil {
		t.Fatalf("expected an empty content list to equal the empty doc")
	}
}

func TestParseContentRejectsNonStringType(t *testing.T) {
	if _, err := ParseContent([]byte(`{"type":7}`)); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("expected malformed content, got %v", err)
	}
	if _, err := ParseContent([]byte(`{"type":"doc","content":[{"type":"paragraph","marks":[{}]}]}`)); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("expected untyped mark to be malformed, got %v", err)
	}
}

func TestDetectConflictKeepsBothSidesVerbatim(t *testing.T) {
	clock := newFakeClock()
	detector := NewDetector(clock.Now, nil)
	local := paragraphs("alpha")
	server := paragraphs("beta")

	detection := detector.DetectConflict("doc-1", local, server)
	if detection == nil {
		t.Fatalf("expected a conflict")
	}
	if detection.DocumentID != "doc-1" || !detection.DetectedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected detection metadata %#v", detection)
	}
	if string(detection.LocalContent) != string(local) || string(detection.ServerContent) != string(server) {
		t.Fatalf("expected verbatim contents, got %s / %s", detection.LocalContent, detection.ServerContent)
	}
}

func TestDetectWithBase(t *testing.T) {
	detector := NewDetector(newFakeClock().Now, nil)
	base := paragraphs("intro")

	testCases := []struct {
		name     string
		local    []byte
		server   []byte
		conflict bool
	}{
		{name: "server unchanged", local: paragraphs("intro", "mine"), server: base},
		{name: "same result", local: paragraphs("intro", "both"), server: paragraphs("intro", "both")},
		{name: "local extends server", local: paragraphs("intro", "theirs", "mine"), server: paragraphs("intro", "theirs")},
		{name: "divergent edits", local: paragraphs("intro", "mine"), server: paragraphs("intro", "theirs"), conflict: true},
		{name: "local dropped server block", local: paragraphs("mine"), server: paragraphs("intro", "theirs"), conflict: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			detection := detector.DetectWithBase("doc-1", base, testCase.local, testCase.server)
			if (detection != nil) != testCase.conflict {
				t.Fatalf("expected conflict=%v, got %#v", testCase.conflict, detection)
			}
		})
	}
}

func TestDetectConflictFailsOpenOnMalformedContent(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	detector := NewDetector(newFakeClock().Now, zap.New(core))

	if detection := detector.DetectConflict("doc-1", []byte(`{"content":[{}]}`), paragraphs("beta")); detection != nil {
		t.Fatalf("expected malformed content to be treated as no conflict")
	}
	if detection := detector.DetectWithBase("doc-1", []byte(`not json`), paragraphs("alpha"), paragraphs("beta")); detection != nil {
		t.Fatalf("expected malformed base to be treated as no conflict")
	}
	entries := logs.FilterMessage("conflict detection failed; treating as no conflict").All()
	if len(entries) != 2 {
		t.Fatalf("expected two warnings, got %d", len(entries))
	}
	if entries[0].ContextMap()["document_id"] != "doc-1" {
		t.Fatalf("unexpected warning fields %#v", entries[0].ContextMap())
	}
}

func TestMarkRangesPointsAtDifferingLines(t *testing.T) {
	local := []byte(`{"type":"doc","content":[{"type":"paragraph","text":"alpha"}]}`)
	server := []byte(`{"type":"doc","content":[{"type":"paragraph","text":"beta"}]}`)

	ranges := MarkRanges(local, server)
	var localRange, serverRange *Range
	for index := range ranges {
		switch ranges[index].Side {
		case SideLocal:
			localRange = &ranges[index]
		case SideServer:
			serverRange = &ranges[index]
		}
	}
	if localRange == nil || serverRange == nil {
		t.Fatalf("expected ranges on both sides, got %#v", ranges)
	}
	if localRange.StartLine != 3 || !strings.Contains(localRange.Text, "alpha") {
		t.Fatalf("unexpected local range %#v", localRange)
	}
	if serverRange.StartLine != 3 || !strings.Contains(serverRange.Text, "beta") {
		t.Fatalf("unexpected server range %#v", serverRange)
	}
	if MarkRanges(local, local) != nil {
		t.Fatalf("expected no ranges for identical content")
	}
}
