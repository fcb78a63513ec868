package tts

import "strings"

// stripForSpeech removes markdown and emoji artifacts an LLM reply might
// still contain despite being asked for plain conversational text, so the
// synthesizer never has to speak a literal "**" or a bullet glyph. This
// lives in the TTS layer only: the orchestrator keeps the raw text for
// logging and for splicing into the next turn's interrupted-context.
func stripForSpeech(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch r {
		case '*', '_', '`', '#':
			continue
		case '•', '●', '▪': // bullet glyphs
			continue
		}

		if isEmoji(r) {
			continue
		}

		b.WriteRune(r)
	}

	out := b.String()
	out = strings.ReplaceAll(out, "\n\n", ". ")
	out = strings.ReplaceAll(out, "\n", " ")
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	return strings.TrimSpace(out)
}

// isEmoji covers the common emoji/pictograph/symbol blocks. It is a
// coarse filter, not a full Unicode emoji classifier.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // misc symbols/pictographs through symbols & pictographs extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	}
	return false
}
