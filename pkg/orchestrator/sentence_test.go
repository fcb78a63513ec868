package orchestrator

import (
	"strings"
	"testing"
)

func TestSentenceSplitterBasic(t *testing.T) {
	s := NewSentenceSplitter()
	out := s.Feed("Hello there. How are you? ")
	if len(out) != 2 {
		t.Fatalf("expected 2 sentences, got %v", out)
	}
	if out[0] != "Hello there." || out[1] != "How are you?" {
		t.Errorf("unexpected sentences: %v", out)
	}
}

func TestSentenceSplitterAbbreviationGuard(t *testing.T) {
	s := NewSentenceSplitter()
	out := s.Feed("I spoke with Dr. Smith today. ")
	if len(out) != 1 {
		t.Fatalf("expected abbreviation not to split, got %v", out)
	}
	if out[0] != "I spoke with Dr. Smith today." {
		t.Errorf("unexpected sentence: %q", out[0])
	}
}

func TestSentenceSplitterDecimalGuard(t *testing.T) {
	s := NewSentenceSplitter()
	out := s.Feed("The value is 3.14 exactly. ")
	if len(out) != 1 {
		t.Fatalf("expected decimal not to split, got %v", out)
	}
}

func TestSentenceSplitterIncrementalFeed(t *testing.T) {
	s := NewSentenceSplitter()
	var all []string
	for _, chunk := range []string{"Hel", "lo there", ". Bye", " now."} {
		all = append(all, s.Feed(chunk)...)
	}
	all = append(all, s.Flush()...)
	joined := strings.Join(all, "|")
	if joined != "Hello there.|Bye now." {
		t.Errorf("unexpected incremental split result: %q", joined)
	}
}

func TestSentenceSplitterForcedSplit(t *testing.T) {
	s := NewSentenceSplitter()
	long := strings.Repeat("word ", 80) // 400 chars, no terminator
	out := s.Feed(long)
	if len(out) == 0 {
		t.Fatal("expected forced split on overlong buffer")
	}
	for _, sent := range out {
		if len(sent) > MaxSentenceLength {
			t.Errorf("forced split sentence too long: %d bytes", len(sent))
		}
	}
}

func TestSentenceSplitterFlushRemainder(t *testing.T) {
	s := NewSentenceSplitter()
	s.Feed("no terminator here")
	out := s.Flush()
	if len(out) != 1 || out[0] != "no terminator here" {
		t.Errorf("expected flush to emit remainder, got %v", out)
	}
}
