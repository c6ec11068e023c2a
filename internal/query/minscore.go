package query

import "strings"

// AutoMinScore derives the semantic similarity threshold from the query
// term count. Short queries embed loosely, so the bar stays low; long
// queries are specific enough to demand closer matches.
func AutoMinScore(query string) float64 {
	switch terms := len(strings.Fields(query)); {
	case terms <= 1:
		return 0.3
	case terms == 2:
		return 0.4
	case terms <= 4:
		return 0.5
	default:
		return 0.6
	}
}
