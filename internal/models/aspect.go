package models

import (
	"strconv"
	"strings"
)

var aspectSuffixes = []struct {
	suffix string
	ratio  string
}{
	{"-16x9", "16:9"},
	{"-9x16", "9:16"},
	{"-4x3", "4:3"},
	{"-3x4", "3:4"},
	{"-1x1", "1:1"},
}

// ParseAspectRatio derives an upstream aspect ratio from a size string
// like "1024x1024" or a model-name ratio suffix. Unrecognized input
// falls back to square.
func ParseAspectRatio(sizeOrModel string) string {
	for _, s := range aspectSuffixes {
		if strings.Contains(sizeOrModel, s.suffix) {
			return s.ratio
		}
	}

	parts := strings.Split(strings.ToLower(sizeOrModel), "x")
	if len(parts) == 2 {
		w, errW := strconv.Atoi(parts[0])
		h, errH := strconv.Atoi(parts[1])
		if errW == nil && errH == nil && w > 0 && h > 0 {
			switch {
			case w == h:
				return "1:1"
			case w > h && float64(w)/float64(h) > 1.5:
				return "16:9"
			case w > h:
				return "4:3"
			case float64(h)/float64(w) > 1.5:
				return "9:16"
			default:
				return "3:4"
			}
		}
	}
	return "1:1"
}
