package jules

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultTitle is used when a prompt yields no usable title
const DefaultTitle = "Unnamed Session"

const maxTitleLen = 100

var headingPrefix = regexp.MustCompile(`^#\s+`)

// Cyrillic and Greek letters that render like Latin ones
var homographs = map[rune]rune{
	'а': 'a', 'А': 'A',
	'с': 'c', 'С': 'C',
	'е': 'e', 'Е': 'E',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'х': 'x', 'Х': 'X',
	'у': 'y', 'У': 'Y',
	'і': 'i', 'І': 'I',
	'к': 'k', 'К': 'K',
	'м': 'm', 'М': 'M',
	'н': 'H', 'Н': 'H',
	'т': 'T', 'Т': 'T',
	'ο': 'o', 'Ο': 'O',
	'α': 'a', 'Α': 'A',
	'ν': 'v', 'Ν': 'N',
	'ρ': 'p', 'Ρ': 'P',
	'χ': 'x', 'Χ': 'X',
}

// ExtractTitle picks a session title from a prompt: the first "# " heading,
// else the first non-empty line. Falls back to DefaultTitle.
func ExtractTitle(prompt string) string {
	var lines []string
	for _, l := range strings.Split(prompt, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return DefaultTitle
	}

	heading := lines[0]
	for _, l := range lines {
		if headingPrefix.MatchString(l) {
			heading = l
			break
		}
	}

	title := SanitizeTitle(strings.TrimSpace(headingPrefix.ReplaceAllString(heading, "")))
	if utf8.RuneCountInString(title) > maxTitleLen {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleLen]))
	}
	if title == "" {
		return DefaultTitle
	}
	return title
}

// SanitizeTitle strips control, bidi-override and zero-width characters and
// folds common homographs to Latin
func SanitizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		switch {
		case r <= 0x1F, r >= 0x7F && r <= 0x9F:
			continue
		case r >= 0x202A && r <= 0x202E:
			continue
		case r >= 0x200B && r <= 0x200D, r == 0xFEFF:
			continue
		}
		if latin, ok := homographs[r]; ok {
			r = latin
		}
		b.WriteRune(r)
	}
	return b.String()
}
