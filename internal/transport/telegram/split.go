package telegram

import "strings"

// TextLimit stays under Telegram's 4096 character cap to leave room for
// entity expansion.
const TextLimit = 4000

// SplitText splits s into chunks of at most limit runes. It prefers newline
// boundaries and, for HTML parse mode, avoids cutting inside a tag. It always
// returns at least one chunk.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			// Newline cut, unless it would leave a tiny chunk.
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
