package domain

// EstimateTokens approximates the token count of text. The backend bills
// by the same four-characters-per-token heuristic, so client and server
// usage counters agree.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
