package ingest

import (
	"fmt"
	"strings"

	"scanbot/internal/domain"
)

const reportSeparator = "────────────────────"

// FormatReport renders results as chat markdown, one question and answer
// per block with a separator line between blocks.
func FormatReport(name string, results domain.ResultSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 **Analysis results for `%s`**\n\n", name)
	if len(results) == 0 {
		sb.WriteString("The pipeline finished but returned no questions.")
		return sb.String()
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "**Q%d:** %s\n", i+1, r.Question)
		fmt.Fprintf(&sb, "**A%d:** %s\n", i+1, r.Answer)
		if i < len(results)-1 {
			sb.WriteString(reportSeparator + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
