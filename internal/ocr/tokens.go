package ocr

import "github.com/adverant/nexus/datescan-worker/internal/logging"

// ExtractTokens flattens recognized text into its element texts, visiting
// blocks, then lines, then elements in order. Texts are passed through
// verbatim. A nil result yields an empty slice.
func ExtractTokens(text *RecognizedText) []string {
	tokens := make([]string, 0, text.ElementCount())
	if text == nil {
		return tokens
	}
	for _, block := range text.Blocks {
		for _, line := range block.Lines {
			for _, element := range line.Elements {
				tokens = append(tokens, element.Text)
			}
		}
	}
	return tokens
}

// ExtractTokensLogged behaves like ExtractTokens and writes one debug line
// per element for manual verification of what the engine saw.
func ExtractTokensLogged(text *RecognizedText, logger *logging.Logger) []string {
	tokens := ExtractTokens(text)
	if logger == nil || text == nil {
		return tokens
	}
	for b, block := range text.Blocks {
		for l, line := range block.Lines {
			for k, element := range line.Elements {
				logger.Debug("Detected text element",
					"block", b, "line", l, "element", k, "text", element.Text)
			}
		}
	}
	return tokens
}
