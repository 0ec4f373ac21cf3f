// Package chunk splits result text into pieces that fit a chat platform's
// message length limit.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxLen leaves headroom under Discord's 2000 character limit.
	DefaultMaxLen = 1900
	// DiscordLimit is the hard per-message limit on Discord.
	DiscordLimit = 2000
)

// Split breaks text into ordered chunks of at most maxLen runes, cutting on
// line boundaries and, for over-long lines, on sentence boundaries. A
// single sentence longer than maxLen is emitted whole rather than
// truncated. maxLen <= 0 selects DefaultMaxLen.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	s := &splitter{max: maxLen}
	for _, line := range strings.Split(text, "\n") {
		if utf8.RuneCountInString(line) <= maxLen {
			s.add(line, "\n")
			continue
		}
		for _, sentence := range Sentences(line) {
			s.add(sentence, " ")
		}
		s.endLine()
	}
	s.flush()

	if len(s.chunks) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return s.chunks
}

type splitter struct {
	max    int
	cur    string
	n      int // runes in cur
	chunks []string
}

func (s *splitter) add(piece, sep string) {
	size := utf8.RuneCountInString(piece)
	if size > s.max {
		s.flush()
		s.chunks = append(s.chunks, piece)
		return
	}
	if s.n+size+1 > s.max {
		s.flush()
	}
	s.cur += piece + sep
	s.n += size + 1
}

// endLine restores the line break after a run of sentences.
func (s *splitter) endLine() {
	if strings.HasSuffix(s.cur, " ") {
		s.cur = s.cur[:len(s.cur)-1] + "\n"
	}
}

func (s *splitter) flush() {
	if out := strings.TrimSpace(s.cur); out != "" {
		s.chunks = append(s.chunks, out)
	}
	s.cur = ""
	s.n = 0
}

// Sentences splits line after runs of '.', '!' or '?' that are followed by
// whitespace. Pieces are trimmed; empty pieces are dropped.
func Sentences(line string) []string {
	runes := []rune(line)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isTerminal(runes[j]) {
			j++
		}
		i = j - 1
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			continue
		}
		if piece := strings.TrimSpace(string(runes[start:j])); piece != "" {
			out = append(out, piece)
		}
		start = j
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
