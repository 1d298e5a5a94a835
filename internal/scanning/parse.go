package scanning

import "strings"

const (
	classifyPrompt = "Is this image a picture of a receipt? Return only YES or NO."

	extractPrompt = "Extract all text from this image and return it as a CSV file under appropriate headings. " +
		"Return only the content of the csv file, no explanations."
)

// isAffirmative reports whether a classification answer means "receipt".
// Only the exact word YES counts after trimming and upper-casing; anything
// else, including "YES." or "Yes, it is", is a no.
func isAffirmative(answer string) bool {
	return strings.ToUpper(strings.TrimSpace(answer)) == "YES"
}
