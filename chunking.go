package chatrelay

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ParagraphSeparator is re-inserted between paragraphs that share a chunk.
const ParagraphSeparator = "\n\n"

var paragraphBoundary = regexp.MustCompile(`\n{2,}`)

// SplitText divides text into chunks of at most maxLen characters (runes) each.
//
// Text that already fits is returned as a single chunk, even when empty. Longer
// text is split on blank lines and the paragraphs are packed greedily, joined by
// ParagraphSeparator. A paragraph that is longer than maxLen on its own is cut
// into slices of exactly maxLen characters, the last one possibly shorter.
//
// Joining the result with ParagraphSeparator gives back the input, except that
// runs of blank lines collapse to one separator and hard-cut paragraphs gain a
// separator at each cut.
//
// Example usage:
//
//	chunks := SplitText(reply, 4000)
//	if len(chunks) > maxChunks {
//	    // deliver reply as a file instead
//	}
func SplitText(text string, maxLen int) []string {
	if maxLen < 1 {
		maxLen = 1
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var (
		chunks []string
		buf    strings.Builder
		bufLen int
	)

	flush := func() {
		if bufLen == 0 {
			return
		}
		chunks = append(chunks, buf.String())
		buf.Reset()
		bufLen = 0
	}

	for _, paragraph := range paragraphBoundary.Split(text, -1) {
		if paragraph == "" {
			continue
		}
		length := utf8.RuneCountInString(paragraph)

		switch {
		case length > maxLen:
			flush()
			chunks = append(chunks, hardSplit(paragraph, maxLen)...)
		case bufLen == 0:
			buf.WriteString(paragraph)
			bufLen = length
		case bufLen+utf8.RuneCountInString(ParagraphSeparator)+length > maxLen:
			flush()
			buf.WriteString(paragraph)
			bufLen = length
		default:
			buf.WriteString(ParagraphSeparator)
			buf.WriteString(paragraph)
			bufLen += utf8.RuneCountInString(ParagraphSeparator) + length
		}
	}
	flush()

	// only separators: nothing to pack, cut the raw text instead
	if len(chunks) == 0 {
		return hardSplit(text, maxLen)
	}
	return chunks
}

func hardSplit(text string, size int) []string {
	runes := []rune(text)
	pieces := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
