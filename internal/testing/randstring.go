package testing

import (
	"math/rand"
	"strings"
	"time"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// RandString returns a 10-character random string for unique test data
func RandString() string {
	var out strings.Builder
	charSet := "abcdedfghijklmnopqrstABCDEFGHIJKLMNOP"
	length := 10
	for i := 0; i < length; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}

// RandID returns a random positive id far from the small constants
// tests use for fixed actors
func RandID() int64 {
	return rand.Int63n(1<<40) + 1000
}
