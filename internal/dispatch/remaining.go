package dispatch

// Remaining returns the ordered subsequence of targets that appear in neither
// results nor failures. A number that failed is still "attempted"; the
// dispatcher never retries it. Duplicate targets collapse to one attempt.
func Remaining(targets, attempted []string) []string {
	seen := make(map[string]struct{}, len(attempted))
	for _, n := range attempted {
		seen[n] = struct{}{}
	}

	var out []string
	for _, n := range targets {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
