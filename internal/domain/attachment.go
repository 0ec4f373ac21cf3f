package domain

// Attachment is a media reference carried by an inbound chat message.
// Every field is optional; consumers apply their own defaults.
type Attachment struct {
	ID          string
	Title       string
	Name        string
	Source      string // producer tag, e.g. "image" for Telegram photos
	ContentType string
	URL         string
	LocalPath   string
}

// DisplayName is the best human label for the attachment.
func (a Attachment) DisplayName() string {
	switch {
	case a.Title != "":
		return a.Title
	case a.Name != "":
		return a.Name
	case a.ID != "":
		return a.ID
	}
	return "image"
}

// AcquiredImage is an attachment persisted under the scratch directory.
type AcquiredImage struct {
	AttachmentID string
	Path         string // absolute
	Size         int64
}

// QAResult is one question/answer pair recovered from pipeline output.
type QAResult struct {
	Question string
	Answer   string
}

// ResultSet is the ordered output of one extraction. An empty, non-nil
// set means the pipeline produced a block with no pairs.
type ResultSet []QAResult
