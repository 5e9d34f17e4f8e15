package methods

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var slugRemoveChars = []string{".", ",", "'", "\"", "|", "[", "]", "(", ")"}

// Slugify builds the slugs used in file names and multimask keys.
// Accents are folded to their base letter, punctuation in slugRemoveChars is
// dropped, separators collapse into joinChar.
func Slugify(input string, joinChar string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, input)
	if err != nil {
		folded = input
	}
	output := strings.ToLower(folded)
	for _, c := range slugRemoveChars {
		output = strings.ReplaceAll(output, c, "")
	}
	for _, sep := range []string{"_", "  ", " - ", " ", "--", "-"} {
		output = strings.ReplaceAll(output, sep, joinChar)
	}
	return output
}

const alnumChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomAlnum returns a random [a-zA-Z0-9] string.
func RandomAlnum(size int) string {
	var sb strings.Builder
	max := big.NewInt(int64(len(alnumChars)))
	for i := 0; i < size; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			sb.WriteByte(alnumChars[i%len(alnumChars)])
			continue
		}
		sb.WriteByte(alnumChars[n.Int64()])
	}
	return sb.String()
}
