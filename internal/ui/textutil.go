package ui

const ellipsis = "…"

// truncateEnd keeps the first limit-1 runes of s and marks the cut.
func truncateEnd(s string, limit int) string {
	r := []rune(s)
	switch {
	case limit <= 0:
		return ""
	case len(r) <= limit:
		return s
	case limit == 1:
		return ellipsis
	}
	return string(r[:limit-1]) + ellipsis
}

// truncateMiddle keeps both ends of s, for ids, resources and URLs whose
// tail is as telling as their head.
func truncateMiddle(s string, limit int) string {
	r := []rune(s)
	switch {
	case limit <= 0:
		return ""
	case len(r) <= limit:
		return s
	case limit == 1:
		return ellipsis
	}
	head := (limit - 1) / 2
	tail := limit - 1 - head
	return string(r[:head]) + ellipsis + string(r[len(r)-tail:])
}
