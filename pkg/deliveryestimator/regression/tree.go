package regression

import "sort"

// minGain keeps floating point noise from producing splits.
const minGain = 1e-12

type node struct {
	feature   int
	threshold float64
	left      int32
	right     int32
	leaf      bool
	// value is already scaled by the learning rate.
	value float64
}

type tree struct {
	nodes []node
}

func (t *tree) predict(x []float64) float64 {
	pos := int32(0)
	for {
		n := &t.nodes[pos]
		if n.leaf {
			return n.value
		}
		if x[n.feature] <= n.threshold {
			pos = n.left
		} else {
			pos = n.right
		}
	}
}

// treeBuilder grows one least-squares tree on the current residuals.
type treeBuilder struct {
	x         [][]float64
	residuals []float64
	maxDepth  int
	minLeaf   int
	shrinkage float64
	gains     []float64
	left      []bool
	nodes     []node
}

// presort returns, per feature, the given rows ordered by feature value.
func presort(x [][]float64, rows []int, width int) [][]int {
	orders := make([][]int, width)
	for f := 0; f < width; f++ {
		order := append([]int(nil), rows...)
		sort.SliceStable(order, func(a, b int) bool {
			return x[order[a]][f] < x[order[b]][f]
		})
		orders[f] = order
	}
	return orders
}

func (b *treeBuilder) build(orders [][]int) tree {
	b.nodes = b.nodes[:0]
	b.grow(orders, 0)
	return tree{nodes: append([]node(nil), b.nodes...)}
}

func (b *treeBuilder) grow(orders [][]int, depth int) int32 {
	rows := orders[0]
	n := len(rows)
	sum := 0.0
	for _, r := range rows {
		sum += b.residuals[r]
	}

	pos := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{leaf: true, value: b.shrinkage * sum / float64(n)})
	if depth >= b.maxDepth || n < 2*b.minLeaf {
		return pos
	}

	bestFeature, bestAt, bestGain := -1, 0, minGain
	parent := sum * sum / float64(n)
	for f, order := range orders {
		sumLeft := 0.0
		for i := 0; i < n-1; i++ {
			sumLeft += b.residuals[order[i]]
			nLeft := i + 1
			if nLeft < b.minLeaf {
				continue
			}
			nRight := n - nLeft
			if nRight < b.minLeaf {
				break
			}
			if b.x[order[i]][f] == b.x[order[i+1]][f] {
				continue
			}
			sumRight := sum - sumLeft
			gain := sumLeft*sumLeft/float64(nLeft) + sumRight*sumRight/float64(nRight) - parent
			if gain > bestGain {
				bestFeature, bestAt, bestGain = f, i, gain
			}
		}
	}
	if bestFeature < 0 {
		return pos
	}

	order := orders[bestFeature]
	lo, hi := b.x[order[bestAt]][bestFeature], b.x[order[bestAt+1]][bestFeature]
	threshold := lo + (hi-lo)/2
	for i, r := range order {
		b.left[r] = i <= bestAt
	}

	leftOrders := make([][]int, len(orders))
	rightOrders := make([][]int, len(orders))
	for f, o := range orders {
		l := make([]int, 0, bestAt+1)
		r := make([]int, 0, n-bestAt-1)
		for _, row := range o {
			if b.left[row] {
				l = append(l, row)
			} else {
				r = append(r, row)
			}
		}
		leftOrders[f], rightOrders[f] = l, r
	}

	b.gains[bestFeature] += bestGain
	left := b.grow(leftOrders, depth+1)
	right := b.grow(rightOrders, depth+1)
	b.nodes[pos] = node{feature: bestFeature, threshold: threshold, left: left, right: right}
	return pos
}
