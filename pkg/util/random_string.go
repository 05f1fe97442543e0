package utils

import (
	"math/rand"
	"sync"
)

// RandomStringGenerator is safe for concurrent use.
type RandomStringGenerator struct {
	mut_gen sync.Mutex
	gen     *rand.Rand
}

func CreateRandomStringGenerator(seed int64) *RandomStringGenerator {
	return &RandomStringGenerator{
		mut_gen: sync.Mutex{},
		gen:     rand.New(rand.NewSource(seed)),
	}
}

// Excludes 0, O, l and I.
var letters = []rune("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

func (g *RandomStringGenerator) GetRandomString(n int) string {
	g.mut_gen.Lock()
	defer g.mut_gen.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}

// NodeId returns "<prefix>-<8 random chars>", used when a relay node is not
// given an explicit presence id.
func (g *RandomStringGenerator) NodeId(prefix string) string {
	return prefix + "-" + g.GetRandomString(8)
}
