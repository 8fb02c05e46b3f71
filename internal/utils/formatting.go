package utils

import "regexp"

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func StripANSI(input string) string {
	return ansiRe.ReplaceAllString(input, "")
}

func GetMaxWidth(lines []string) int {
	maxWidth := 0
	for _, line := range lines {
		length := len(StripANSI(line))
		if length > maxWidth {
			maxWidth = length
		}
	}
	return maxWidth
}
