package envelope

import (
	"strings"
	"unicode"
)

// Thresholds for AssessQuality.
const (
	minLetterRatio     = 0.5 // letters / non-space runes
	maxReplacementFrac = 0.005
	maxSingleCharWords = 0.3 // OCR debris like "l i k e t h i s"
	maxNonASCIIFair    = 0.3
	maxSymbolRunFrac   = 0.05 // words made of symbols only ("|||", "~~~")
	minAvgWordLen      = 2.5
	maxAvgWordLen      = 14.0
)

// AssessQuality grades extracted text with fixed thresholds over letter
// density, non-ASCII ratio and OCR-like debris. The same text always gets
// the same grade.
func AssessQuality(text string) Quality {
	var runes, spaces, letters, nonASCII, replacement int
	for _, r := range text {
		runes++
		switch {
		case unicode.IsSpace(r):
			spaces++
			continue
		case r == unicode.ReplacementChar:
			replacement++
		case unicode.IsLetter(r):
			letters++
		}
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}
	visible := runes - spaces
	if visible == 0 {
		return QualityPoor
	}

	words := strings.Fields(text)
	var single, symbolic, wordRunes int
	for _, w := range words {
		n := 0
		allSymbol := true
		for _, r := range w {
			n++
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				allSymbol = false
			}
		}
		wordRunes += n
		if n == 1 && !strings.ContainsAny(w, "aAI0123456789") {
			single++
		}
		if allSymbol && n > 1 {
			symbolic++
		}
	}
	nw := float64(len(words))

	switch {
	case float64(replacement)/float64(visible) > maxReplacementFrac,
		float64(letters)/float64(visible) < minLetterRatio,
		nw >= 10 && float64(single)/nw > maxSingleCharWords:
		return QualityPoor
	}

	avg := float64(wordRunes) / nw
	switch {
	case float64(nonASCII)/float64(visible) > maxNonASCIIFair,
		nw >= 10 && float64(symbolic)/nw > maxSymbolRunFrac,
		nw >= 5 && (avg < minAvgWordLen || avg > maxAvgWordLen):
		return QualityFair
	}
	return QualityGood
}
