package pipeline

import (
	"bufio"
	"strings"
	"unicode"

	"scanbot/internal/domain"
)

const (
	StartMarker = "DISCORD_RESULTS_START"
	EndMarker   = "DISCORD_RESULTS_END"

	questionTag    = "QUESTION_"
	answerTag      = "ANSWER_"
	fieldSeparator = ":::"

	maxLineBytes = 1024 * 1024
)

// Extraction is the outcome of scanning pipeline stdout.
type Extraction struct {
	Results   domain.ResultSet
	Questions int // question lines seen
	Answers   int // answer lines seen
}

// Mismatched reports whether pairing dropped unmatched entries.
func (e Extraction) Mismatched() bool { return e.Questions != e.Answers }

// Extract decodes the question/answer pairs between the start and end
// markers. ok is false when either marker is missing; an empty set with
// ok true means the block had no pairs.
func Extract(stdout string) (domain.ResultSet, bool) {
	ex, ok := ExtractDetailed(stdout)
	return ex.Results, ok
}

type scanState int

const (
	seekingStart scanState = iota
	collecting
	done
)

// ExtractDetailed is Extract plus the raw question and answer counts.
// Pairs are formed by position; surplus entries of the longer list are
// dropped.
func ExtractDetailed(stdout string) (Extraction, bool) {
	var questions, answers []string
	state := seekingStart

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for state != done && sc.Scan() {
		line := sc.Text()
		switch state {
		case seekingStart:
			if strings.Contains(line, StartMarker) {
				state = collecting
			}
		case collecting:
			if strings.Contains(line, EndMarker) {
				state = done
				continue
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || isDecoration(trimmed) {
				continue
			}
			if text, ok := field(trimmed, questionTag); ok {
				questions = append(questions, text)
			} else if text, ok := field(trimmed, answerTag); ok {
				answers = append(answers, text)
			}
		}
	}
	if state != done {
		return Extraction{}, false
	}

	n := min(len(questions), len(answers))
	results := make(domain.ResultSet, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, domain.QAResult{Question: questions[i], Answer: answers[i]})
	}
	return Extraction{Results: results, Questions: len(questions), Answers: len(answers)}, true
}

// field returns the trimmed text after the first separator when line
// carries tag.
func field(line, tag string) (string, bool) {
	if !strings.Contains(line, tag) {
		return "", false
	}
	_, after, found := strings.Cut(line, fieldSeparator)
	if !found {
		return "", false
	}
	return strings.TrimSpace(after), true
}

// isDecoration matches separator lines ("---") and border lines made of
// repeated punctuation or box-drawing runes.
func isDecoration(line string) bool {
	for _, r := range line {
		switch {
		case r == '-', r == '=', r == '*', r == '#', r == '_', r == '~', r == '+', r == '|':
		case r >= 0x2500 && r <= 0x257F: // box drawing
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return true
}
