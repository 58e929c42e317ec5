package logging

// MaxLogFieldLength caps string fields attached to log entries. Provider
// responses can be arbitrarily large; log lines must not be.
const MaxLogFieldLength = 1024

// Truncate shortens s to MaxLogFieldLength, marking the cut with an ellipsis.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to at most n bytes plus an ellipsis marking the cut.
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and folds the rest into a
// single "... and N more" entry.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	truncated := make([]string, 0, maxItems+1)
	truncated = append(truncated, items[:maxItems]...)
	truncated = append(truncated, "... and "+itoa(len(items)-maxItems)+" more")
	return truncated
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	negative := n < 0
	if negative {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if negative {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
