package language

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const (
	minDetectLetters = 6
	// minConfidence is the lowest top-language confidence that is trusted.
	minConfidence = 0.4
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Detect guesses the ISO 639-1 code of an article from its title and summary.
// It returns "" when the text is too short or the guess is not confident.
func Detect(title, summary string) string {
	sample := detectionSample(title, summary)
	if sample == "" {
		return ""
	}

	values := sharedDetector().ComputeLanguageConfidenceValues(sample)
	if len(values) == 0 || values[0].Value() < minConfidence {
		return ""
	}

	code := strings.ToLower(values[0].Language().IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func detectionSample(title, summary string) string {
	parts := make([]string, 0, 2)
	for _, part := range []string{title, summary} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	sample := strings.Join(parts, ". ")

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
			if letters >= minDetectLetters {
				return sample
			}
		}
	}
	return ""
}

func sharedDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
