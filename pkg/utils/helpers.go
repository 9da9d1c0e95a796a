package utils

import "crypto/rand"

// RandomCode generates a random n-character string drawn from alphabet
func RandomCode(n int, alphabet string) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	out := make([]byte, n)
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out)
}
