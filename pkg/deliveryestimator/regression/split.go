package regression

import (
	"math"
	"math/rand"
)

// Split shuffles row indices with seed and holds out testFraction of them.
// Either side being empty yields ErrInsufficientData.
func Split(n int, testFraction float64, seed int64) (train, test []int, err error) {
	testN := int(math.Round(float64(n) * testFraction))
	if testN == 0 || testN >= n {
		return nil, nil, ErrInsufficientData
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[testN:], perm[:testN], nil
}
