package receipt

import (
	"net/url"
	"time"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

// Analysis is the response to one upload: where the image was stored and
// what the pipeline made of it
type Analysis struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	ImageURL  string    `json:"image_url"`
	Outcome   string    `json:"outcome"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`

	Result scanning.Result `json:"-"`
}

// Detected reports whether a receipt was found
func (a *Analysis) Detected() bool {
	return a.Result.Outcome == scanning.OutcomeDetected
}

func newAnalysis(id, filename string, result scanning.Result, now time.Time) *Analysis {
	a := &Analysis{
		ID:        id,
		Filename:  filename,
		ImageURL:  "/uploads/" + url.PathEscape(filename),
		Outcome:   result.Outcome.String(),
		Text:      result.Text,
		Message:   result.Message(),
		CreatedAt: now,
		Result:    result,
	}
	if result.Err != nil {
		a.Error = result.Err.Error()
	}
	return a
}
