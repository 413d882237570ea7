// Package dedupe groups photos whose fingerprints are within a Hamming
// distance threshold of each other.
package dedupe

import (
	"math/bits"
	"sort"
)

// Item is one fingerprinted photo.
type Item struct {
	Key  string
	Hash uint64
}

// Group is a set of photos that are pairwise reachable through a chain of
// fingerprints at most threshold bits apart.
type Group struct {
	Members []string `json:"members"`
}

// FindGroups builds groups by single-link transitive closure over
// distance(a, b) <= threshold. If A~B and B~C, then A, B and C share a group
// even when A and C are further apart. Only groups with at least two members
// are returned, sorted by their first member.
//
// Candidate pairs come from multi-index bucketing: the 64 bits are split into
// threshold+1 chunks and any two hashes within threshold bits agree on at
// least one whole chunk, so no related pair is missed.
func FindGroups(items []Item, threshold int) []Group {
	if len(items) < 2 || threshold < 0 {
		return nil
	}

	uf := newUnionFind(len(items))
	if threshold >= 63 {
		quadratic(items, threshold, uf)
	} else {
		bucketed(items, threshold, uf)
	}

	byRoot := make(map[int][]string)
	for i, it := range items {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], it.Key)
	}

	groups := make([]Group, 0, len(byRoot))
	for _, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		groups = append(groups, Group{Members: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Members[0] < groups[j].Members[0]
	})
	return groups
}

func related(a, b uint64, threshold int) bool {
	return bits.OnesCount64(a^b) <= threshold
}

func quadratic(items []Item, threshold int, uf *unionFind) {
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if related(items[i].Hash, items[j].Hash, threshold) {
				uf.union(i, j)
			}
		}
	}
}

func bucketed(items []Item, threshold int, uf *unionFind) {
	chunks := chunkMasks(threshold + 1)
	checked := make(map[[2]int]bool)

	for _, c := range chunks {
		buckets := make(map[uint64][]int)
		for i, it := range items {
			k := (it.Hash >> c.shift) & c.mask
			buckets[k] = append(buckets[k], i)
		}
		for _, idx := range buckets {
			for x := 0; x < len(idx); x++ {
				for y := x + 1; y < len(idx); y++ {
					pair := [2]int{idx[x], idx[y]}
					if checked[pair] {
						continue
					}
					checked[pair] = true
					if uf.find(pair[0]) == uf.find(pair[1]) {
						continue
					}
					if related(items[pair[0]].Hash, items[pair[1]].Hash, threshold) {
						uf.union(pair[0], pair[1])
					}
				}
			}
		}
	}
}

type chunk struct {
	shift uint
	mask  uint64
}

// chunkMasks splits 64 bits into n contiguous chunks of near-equal width.
func chunkMasks(n int) []chunk {
	out := make([]chunk, 0, n)
	shift := uint(0)
	for i := 0; i < n; i++ {
		width := uint(64 / n)
		if i < 64%n {
			width++
		}
		out = append(out, chunk{shift: shift, mask: (uint64(1) << width) - 1})
		shift += width
	}
	return out
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
