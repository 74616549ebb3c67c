package anomaly

import "math/rand"

type node struct {
	feature int
	split   float64
	left    int32
	right   int32
	// size is the number of sample rows that reached a leaf; -1 on internal nodes.
	size int
}

type tree struct {
	nodes []node
}

func growTree(rows [][]float64, sample []int, heightLimit, width int, rng *rand.Rand) tree {
	t := tree{nodes: make([]node, 0, 2*len(sample))}
	idx := append([]int(nil), sample...)
	t.grow(rows, idx, 0, heightLimit, width, rng)
	return t
}

func (t *tree) grow(rows [][]float64, idx []int, depth, heightLimit, width int, rng *rand.Rand) int32 {
	pos := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{size: len(idx)})
	if depth >= heightLimit || len(idx) <= 1 {
		return pos
	}

	// Only features that vary within this partition can split it.
	candidates := make([]int, 0, width)
	mins := make([]float64, width)
	maxs := make([]float64, width)
	for f := 0; f < width; f++ {
		lo, hi := rows[idx[0]][f], rows[idx[0]][f]
		for _, i := range idx[1:] {
			v := rows[i][f]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			candidates = append(candidates, f)
			mins[f], maxs[f] = lo, hi
		}
	}
	if len(candidates) == 0 {
		return pos
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := mins[feature] + rng.Float64()*(maxs[feature]-mins[feature])

	// Partition in place: values below split go left.
	l := 0
	for r := 0; r < len(idx); r++ {
		if rows[idx[r]][feature] < split {
			idx[l], idx[r] = idx[r], idx[l]
			l++
		}
	}
	if l == 0 || l == len(idx) {
		// The draw hit the minimum exactly.
		return pos
	}

	left := t.grow(rows, idx[:l], depth+1, heightLimit, width, rng)
	right := t.grow(rows, idx[l:], depth+1, heightLimit, width, rng)
	t.nodes[pos] = node{feature: feature, split: split, left: left, right: right, size: -1}
	return pos
}

func (t *tree) pathLength(x []float64) float64 {
	depth := 0
	pos := int32(0)
	for {
		n := t.nodes[pos]
		if n.size >= 0 {
			return float64(depth) + averagePathLength(n.size)
		}
		if x[n.feature] < n.split {
			pos = n.left
		} else {
			pos = n.right
		}
		depth++
	}
}
