package watch

import "time"

// Diff returns the posts of latest whose ids are not present in previous,
// keeping latest's order.
func Diff(previous, latest Window) Window {
	seen := make(map[string]struct{}, len(previous))
	for _, p := range previous {
		seen[p.ID] = struct{}{}
	}
	var out Window
	for _, p := range latest {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Stale reports whether the post was created more than maxAge before now.
// Posts without a timestamp are never stale.
func (p Post) Stale(now time.Time, maxAge time.Duration) bool {
	if p.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(p.CreatedAt) > maxAge
}
