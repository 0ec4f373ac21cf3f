package domain

import (
	"errors"
	"fmt"
)

// Stage names the step of attachment processing that failed.
type Stage string

const (
	StageAcquire Stage = "acquire"
	StageInvoke  Stage = "invoke"
	StageExtract Stage = "extract"
	StageDeliver Stage = "deliver"
)

// ErrNoResults reports pipeline output without a delimited results block.
var ErrNoResults = errors.New("no results block in pipeline output")

// StageError scopes a failure to one attachment and one stage.
type StageError struct {
	Stage      Stage
	Attachment string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Attachment, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UserMessage renders the failure notice shown in chat. It never carries
// raw stderr, which may include paths or tokens.
func (e *StageError) UserMessage() string {
	var reason string
	switch e.Stage {
	case StageAcquire:
		reason = "could not download the image"
	case StageInvoke:
		reason = "the analysis pipeline failed"
	case StageExtract:
		reason = "the analysis pipeline returned no results"
	case StageDeliver:
		reason = "could not deliver the results"
	default:
		reason = "unexpected error"
	}
	return fmt.Sprintf("❌ Failed to analyze `%s`: %s.", e.Attachment, reason)
}
