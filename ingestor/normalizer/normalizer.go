package normalizer

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	hyphenBreak    = regexp.MustCompile(`([\p{L}\p{N}_]+)-\r?\n([\p{L}\p{N}_]+)`)
	escapedNewline = regexp.MustCompile(`\\n`)
	dashRun        = regexp.MustCompile(`\s*[—–-]{3,}|  —`)
	unicodeEscape  = regexp.MustCompile(`\\u[0-9A-Fa-f]{4}`)
	spacedHyphen   = regexp.MustCompile(`([\p{L}\p{N}_])\s*-\s*([\p{L}\p{N}_])`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// OCR artifacts emitted by PDF extraction for bullets and ticks
var ocrArtifacts = strings.NewReplacer("\uf075", "", "\uf0b7", "")

// Normalize cleans text extracted from a PDF page. It never panics; if a cleaning
// step fails the input is reduced to its printable ASCII characters instead.
func Normalize(raw string) (cleaned string) {
	defer func() {
		if r := recover(); r != nil {
			cleaned = asciiOnly(raw)
		}
	}()

	content := strings.ToValidUTF8(raw, "?")
	content = hyphenBreak.ReplaceAllString(content, "$1$2")
	content = escapedNewline.ReplaceAllString(content, "")
	content = dashRun.ReplaceAllString(content, "")
	content = unicodeEscape.ReplaceAllString(content, "")
	content = ocrArtifacts.Replace(content)
	content = stripControl(content)
	content = stripOutsideBMP(content)

	content = spacedHyphen.ReplaceAllString(content, "$1-$2")
	content = whitespaceRun.ReplaceAllString(content, " ")

	return strings.TrimSpace(content)
}

// stripControl drops control characters except the ones the whitespace pass collapses
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r', '\f':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

const maxBMP = 0xFFFF

func stripOutsideBMP(s string) string {
	return strings.Map(func(r rune) rune {
		if r > maxBMP {
			return -1
		}
		return r
	}, s)
}

func asciiOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}
