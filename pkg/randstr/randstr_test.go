package randstr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRandomString(t *testing.T) {
	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	g := New([]byte(alphabet))

	for range 100 {
		s := g.GenerateRandomString(6)
		assert.Len(t, s, 6)
		for _, r := range s {
			assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
		}
	}
}
