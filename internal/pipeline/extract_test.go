package pipeline

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"scanbot/internal/domain"
)

func TestExtract_SingleResult(t *testing.T) {
	stdout := "DISCORD_RESULTS_START\nQUESTION_1:::Is X true?\nANSWER_1:::Yes.\n---\nDISCORD_RESULTS_END"

	got, ok := Extract(stdout)
	if !ok {
		t.Fatal("expected results block")
	}
	want := domain.ResultSet{{Question: "Is X true?", Answer: "Yes."}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_IgnoresTextOutsideBlock(t *testing.T) {
	stdout := strings.Join([]string{
		"[ocr] loading model",
		"QUESTION_0:::stray before start",
		"ANSWER_0:::stray",
		"=== DISCORD_RESULTS_START ===",
		"════════════════════",
		"QUESTION_1:::  What links A and B?  ",
		"ANSWER_1:::A cites B.",
		"----------",
		"",
		"QUESTION_2:::Is the hypothesis supported?",
		"ANSWER_2:::Partially: 2 of 3 edges verified.",
		"some diagnostic line without tags",
		"DISCORD_RESULTS_END",
		"QUESTION_3:::after end",
		"ANSWER_3:::after end",
	}, "\n")

	got, ok := Extract(stdout)
	if !ok {
		t.Fatal("expected results block")
	}
	want := domain.ResultSet{
		{Question: "What links A and B?", Answer: "A cites B."},
		{Question: "Is the hypothesis supported?", Answer: "Partially: 2 of 3 edges verified."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_MissingMarkers(t *testing.T) {
	cases := map[string]string{
		"none":             "QUESTION_1:::q\nANSWER_1:::a\n",
		"start only":       "DISCORD_RESULTS_START\nQUESTION_1:::q\nANSWER_1:::a\n",
		"end only":         "QUESTION_1:::q\nANSWER_1:::a\nDISCORD_RESULTS_END\n",
		"end before start": "DISCORD_RESULTS_END\nDISCORD_RESULTS_START\nQUESTION_1:::q\n",
		"empty":            "",
	}
	for name, stdout := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := Extract(stdout)
			if ok {
				t.Fatalf("expected no results, got %+v", got)
			}
			if got != nil {
				t.Errorf("expected nil set, got %+v", got)
			}
		})
	}
}

func TestExtract_EmptyBlockIsNotFailure(t *testing.T) {
	got, ok := Extract("DISCORD_RESULTS_START\n---\nDISCORD_RESULTS_END\n")
	if !ok {
		t.Fatal("empty block should still be a successful extraction")
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil set, got %#v", got)
	}
}

func TestExtractDetailed_PositionalPairingTruncates(t *testing.T) {
	stdout := strings.Join([]string{
		StartMarker,
		"QUESTION_1:::q1",
		"QUESTION_2:::q2",
		"QUESTION_3:::q3",
		"ANSWER_1:::a1",
		"ANSWER_2:::a2",
		EndMarker,
	}, "\n")

	ex, ok := ExtractDetailed(stdout)
	if !ok {
		t.Fatal("expected block")
	}
	want := domain.ResultSet{{Question: "q1", Answer: "a1"}, {Question: "q2", Answer: "a2"}}
	if diff := cmp.Diff(want, ex.Results); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if ex.Questions != 3 || ex.Answers != 2 || !ex.Mismatched() {
		t.Errorf("unexpected counts: %+v", ex)
	}
}

func TestExtract_SeparatorRequired(t *testing.T) {
	stdout := StartMarker + "\nQUESTION_1: no separator\nANSWER_1:::a\n" + EndMarker
	ex, ok := ExtractDetailed(stdout)
	if !ok {
		t.Fatal("expected block")
	}
	if ex.Questions != 0 || ex.Answers != 1 || len(ex.Results) != 0 {
		t.Errorf("unexpected extraction: %+v", ex)
	}
}

func TestExtract_KeepsLaterSeparators(t *testing.T) {
	got, _ := Extract(StartMarker + "\nQUESTION_1:::ratio a:::b?\nANSWER_1:::it is 1:::2\n" + EndMarker)
	want := domain.ResultSet{{Question: "ratio a:::b?", Answer: "it is 1:::2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_Idempotent(t *testing.T) {
	stdout := StartMarker + "\r\nQUESTION_1:::q\r\nANSWER_1:::a\r\n" + EndMarker + "\r\n"
	first, ok1 := Extract(stdout)
	second, ok2 := Extract(stdout)
	if ok1 != ok2 {
		t.Fatal("ok differs between runs")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-extraction differs:\n%s", diff)
	}
	if len(first) != 1 || first[0].Answer != "a" {
		t.Errorf("CRLF output not trimmed: %+v", first)
	}
}

func TestIsDecoration(t *testing.T) {
	for _, line := range []string{"---", "=====", "***", "────", "+--+--+", "# # #"} {
		if !isDecoration(line) {
			t.Errorf("%q should be decoration", line)
		}
	}
	for _, line := range []string{"ANSWER_1:::-", "- item", "QUESTION_1:::"} {
		if isDecoration(line) {
			t.Errorf("%q should not be decoration", line)
		}
	}
}
