package envelope

// EstimateTokens approximates the token count of s as ceil(bytes/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// estimateBytes is EstimateTokens for binary payloads.
func estimateBytes(n int) int {
	return (n + 3) / 4
}
