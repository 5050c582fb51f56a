// Package pathfinder implements 4-neighbour A* search over a bounded grid
// with a caller-supplied, dynamic blocked predicate.
package pathfinder

import "container/heap"

// Cell is a grid coordinate.
type Cell struct {
	X, Y int
}

// Blocked reports whether a cell may not be entered. It is never consulted
// for the goal cell.
type Blocked func(c Cell) bool

type node struct {
	cell   Cell
	fScore int
	serial int
}

type openQueue []node

func (q openQueue) Len() int { return len(q) }
func (q openQueue) Less(i, j int) bool {
	if q[i].fScore != q[j].fScore {
		return q[i].fScore < q[j].fScore
	}
	return q[i].serial < q[j].serial
}
func (q openQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *openQueue) Push(x any)        { *q = append(*q, x.(node)) }
func (q *openQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func heuristic(a, b Cell) int {
	return absInt(a.X-b.X) + absInt(a.Y-b.Y)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func neighbours(c Cell, width, height int, dst []Cell) []Cell {
	dst = dst[:0]
	candidates := [4]Cell{
		{c.X + 1, c.Y},
		{c.X - 1, c.Y},
		{c.X, c.Y + 1},
		{c.X, c.Y - 1},
	}
	for _, n := range candidates {
		if n.X >= 0 && n.X < width && n.Y >= 0 && n.Y < height {
			dst = append(dst, n)
		}
	}
	return dst
}

// Path computes the shortest path from start to goal on a width x height
// grid, honouring blocked for every intermediate cell but never for the
// goal itself. The returned path excludes start and includes goal. It
// returns (nil, false) when no path exists, and (empty non-nil slice,
// true) when start == goal.
func Path(width, height int, start, goal Cell, blocked Blocked) ([]Cell, bool) {
	if start == goal {
		return []Cell{}, true
	}

	open := &openQueue{}
	heap.Init(open)
	heap.Push(open, node{cell: start, fScore: heuristic(start, goal), serial: 0})

	gScore := map[Cell]int{start: 0}
	cameFrom := map[Cell]Cell{}
	serial := 0

	var nbuf [4]Cell

	for open.Len() > 0 {
		current := heap.Pop(open).(node)
		if current.cell == goal {
			return reconstruct(cameFrom, start, goal), true
		}

		for _, next := range neighbours(current.cell, width, height, nbuf[:0]) {
			if next != goal && blocked != nil && blocked(next) {
				continue
			}

			tentative := gScore[current.cell] + 1
			if prev, ok := gScore[next]; ok && tentative >= prev {
				continue
			}

			cameFrom[next] = current.cell
			gScore[next] = tentative
			serial++
			heap.Push(open, node{cell: next, fScore: tentative + heuristic(next, goal), serial: serial})
		}
	}

	return nil, false
}

func reconstruct(cameFrom map[Cell]Cell, start, goal Cell) []Cell {
	path := []Cell{}
	cursor := goal
	for cursor != start {
		path = append(path, cursor)
		cursor = cameFrom[cursor]
	}
	// reverse in place
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
