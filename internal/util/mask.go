package util

// MaskToken redacts a secret for logging, keeping just enough of both ends
// to tell tokens apart. Short tokens are fully masked.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
