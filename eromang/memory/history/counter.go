package history

import "fmt"

// TokenCounter returns the token cost of text. It must be deterministic,
// non-negative and return 0 for the empty string.
type TokenCounter func(text string) int

// EstimateTokens is the default counter: roughly four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// VerifyCounter smoke-tests a counter once before a store relies on it.
func VerifyCounter(count TokenCounter) error {
	if count == nil {
		return fmt.Errorf("%w: nil counter", ErrInvalidCounter)
	}
	if n := count(""); n != 0 {
		return fmt.Errorf("%w: empty input costs %d", ErrInvalidCounter, n)
	}
	if n := count("test"); n < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidCounter, n)
	}
	return nil
}
