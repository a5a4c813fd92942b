package models

// PageResult holds the OCR output for a single page. Confidence is the mean
// word confidence on the [0,100] scale; a failed page carries zero confidence
// and the tool error instead of crashing the document.
type PageResult struct {
	Page       int     `json:"page"` // 1-based
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}
