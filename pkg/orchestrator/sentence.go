package orchestrator

import "strings"

// MaxSentenceLength forces a split even without a terminator, so a reply
// that never pauses for breath still reaches the TTS queue incrementally.
const MaxSentenceLength = 300

// abbreviations is matched case-sensitively: "St. Louis" is guarded, but
// "ST. Louis" still splits.
var abbreviations = map[string]struct{}{
	"Mr": {}, "Ms": {}, "Mrs": {}, "Dr": {}, "Jr": {}, "Sr": {},
	"St": {}, "vs": {}, "co": {}, "etc": {}, "inc": {}, "ltd": {},
}

var forcedSplitPunct = []string{",", ";", ":", "—", "–", "-"}

// SentenceSplitter consumes LLM response deltas incrementally and emits
// complete sentences as soon as a boundary is recognized, so synthesis can
// start before the whole reply has arrived.
type SentenceSplitter struct {
	buf strings.Builder
}

// NewSentenceSplitter returns an empty splitter.
func NewSentenceSplitter() *SentenceSplitter {
	return &SentenceSplitter{}
}

// Feed appends delta and returns any complete sentences it completes.
// Partial text is retained internally for the next call.
func (s *SentenceSplitter) Feed(delta string) []string {
	s.buf.WriteString(delta)
	return s.drain(false)
}

// Flush forces out whatever remains buffered, treating it as complete
// (called once the LLM stream ends).
func (s *SentenceSplitter) Flush() []string {
	out := s.drain(true)
	rest := s.buf.String()
	s.buf.Reset()
	if strings.TrimSpace(rest) != "" {
		out = append(out, strings.TrimSpace(rest))
	}
	return out
}

func (s *SentenceSplitter) drain(final bool) []string {
	var out []string
	for {
		text := s.buf.String()
		cut, ok := findBoundary(text, final)
		if !ok {
			break
		}
		sentence := strings.TrimSpace(text[:cut])
		remainder := text[cut:]
		s.buf.Reset()
		s.buf.WriteString(remainder)
		if sentence != "" {
			out = append(out, sentence)
		}
	}

	// Forced split fallback: if the unterminated buffer has grown past the
	// cap, cut it at the best available boundary rather than waiting
	// indefinitely for a terminator that may never come.
	for s.buf.Len() > MaxSentenceLength {
		text := s.buf.String()
		cut := forcedCut(text)
		sentence := strings.TrimSpace(text[:cut])
		remainder := text[cut:]
		s.buf.Reset()
		s.buf.WriteString(remainder)
		if sentence != "" {
			out = append(out, sentence)
		} else {
			break
		}
	}

	return out
}

// findBoundary looks for a ". ", "! " or "? " boundary (or end-of-string
// when final is true) that isn't immediately preceded by a digit (decimal
// points) or an abbreviation. Returns the cut index (exclusive of the
// trailing whitespace) and whether a boundary was found.
func findBoundary(text string, final bool) (int, bool) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}

		followedByBoundary := i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t'
		if !followedByBoundary {
			continue
		}
		if i+1 >= len(text) && !final {
			// Could still be mid-stream; wait for more text unless this is
			// the final flush.
			continue
		}

		if c == '.' {
			if i > 0 && isDigit(text[i-1]) {
				continue // decimal point
			}
			if precedingWordIsAbbreviation(text[:i]) {
				continue
			}
		}

		return i + 1, true
	}
	return 0, false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func precedingWordIsAbbreviation(prefix string) bool {
	trimmed := strings.TrimRight(prefix, ".")
	idx := strings.LastIndexAny(trimmed, " \n\t")
	word := trimmed[idx+1:]
	_, ok := abbreviations[word]
	return ok
}

// forcedCut picks the best cut point within an over-long buffer: the last
// forced-split punctuation mark, else the last space, else a hard cut at
// MaxSentenceLength.
func forcedCut(text string) int {
	limit := MaxSentenceLength
	if limit > len(text) {
		limit = len(text)
	}
	window := text[:limit]

	bestCut := -1
	for _, p := range forcedSplitPunct {
		if idx := strings.LastIndex(window, p); idx >= 0 && idx+len(p) > bestCut {
			bestCut = idx + len(p)
		}
	}
	if bestCut >= 0 {
		return bestCut
	}

	if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		return idx + 1
	}

	return limit
}
