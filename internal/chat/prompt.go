package chat

import "strings"

const deepAnalysisDirective = "Please provide a thorough, detailed analysis. Consider multiple angles, " +
	"underlying assumptions and implications before answering."

// BuildPrompt appends the optional context sections to the user text in a
// fixed order. Empty sections are skipped.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Text)
	section := func(label, body string) {
		b.WriteString("\n\n")
		b.WriteString(label)
		b.WriteString(body)
	}
	if req.OCRText != "" {
		section("Screen content (OCR):\n", req.OCRText)
	}
	if req.SelectedText != "" {
		section("Selected text:\n", req.SelectedText)
	}
	if req.BrowserURL != "" {
		section("Current page URL: ", req.BrowserURL)
	}
	if req.DeepAnalysis {
		section("Analysis depth: ", deepAnalysisDirective)
	}
	return b.String()
}

func metadataFor(req Request) *Metadata {
	if req.OCRText == "" && req.SelectedText == "" && req.BrowserURL == "" {
		return nil
	}
	return &Metadata{
		OCRText:      req.OCRText,
		SelectedText: req.SelectedText,
		BrowserURL:   req.BrowserURL,
	}
}
