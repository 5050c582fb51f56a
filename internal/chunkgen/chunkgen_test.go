package chunkgen

import "testing"

func TestGenerateIsDeterministic(t *testing.T) {
	a := Generate(50, 50, 424242, []string{"N", "E", "S", "W"}, false)
	b := Generate(50, 50, 424242, []string{"N", "E", "S", "W"}, false)
	if len(a) != len(b) {
		t.Fatalf("row count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("row %d differs between runs", i)
		}
	}
}

func TestGenerateDifferentSeedsDiverge(t *testing.T) {
	a := Generate(50, 50, 1, []string{"N"}, false)
	b := Generate(50, 50, 2, []string{"N"}, false)
	if joinRows(a) == joinRows(b) {
		t.Fatalf("expected different seeds to produce different layouts")
	}
}

func TestGenerateRequiredEdgesAreConnected(t *testing.T) {
	rows := Generate(50, 50, 424242, []string{"N", "E", "S", "W"}, false)
	grid := toGrid(rows)

	nx, ny := EdgeAnchor(50, 50, North)
	ex, ey := EdgeAnchor(50, 50, East)
	sx, sy := EdgeAnchor(50, 50, South)
	wx, wy := EdgeAnchor(50, 50, West)

	reached := bfsFloor(grid, nx, ny)
	for _, anchor := range [][2]int{{ex, ey}, {sx, sy}, {wx, wy}} {
		if !reached[anchor] {
			t.Fatalf("anchor %v not reachable from north anchor (%d,%d)", anchor, nx, ny)
		}
	}
}

func TestGenerateSmallGridFallback(t *testing.T) {
	rows := Generate(10, 10, 7, []string{"N", "S"}, false)
	if len(rows) != 10 || len(rows[0]) != 10 {
		t.Fatalf("unexpected dimensions: %dx%d", len(rows[0]), len(rows))
	}
	grid := toGrid(rows)
	if grid[1][1] != floorTile {
		t.Fatalf("spawn vicinity (1,1) must be floor")
	}

	nx, ny := EdgeAnchor(10, 10, North)
	sx, sy := EdgeAnchor(10, 10, South)
	reached := bfsFloor(grid, nx, ny)
	if !reached[[2]int{sx, sy}] {
		t.Fatalf("required south anchor not reachable from north anchor in small grid")
	}
}

func TestGenerateRootLayoutHasAllFourExits(t *testing.T) {
	rows := Generate(50, 50, 9, nil, true)
	grid := toGrid(rows)

	nx, ny := EdgeAnchor(50, 50, North)
	for _, d := range []Direction{East, South, West} {
		ax, ay := EdgeAnchor(50, 50, d)
		reached := bfsFloor(grid, nx, ny)
		if !reached[[2]int{ax, ay}] {
			t.Fatalf("root layout anchor %s not reachable from north anchor", d)
		}
	}
}

func joinRows(rows []string) string {
	out := ""
	for _, r := range rows {
		out += r + "\n"
	}
	return out
}

func toGrid(rows []string) [][]byte {
	grid := make([][]byte, len(rows))
	for i, row := range rows {
		grid[i] = []byte(row)
	}
	return grid
}

func bfsFloor(grid [][]byte, x0, y0 int) map[[2]int]bool {
	height := len(grid)
	width := len(grid[0])
	visited := map[[2]int]bool{}
	if grid[y0][x0] != floorTile {
		return visited
	}
	queue := [][2]int{{x0, y0}}
	visited[[2]int{x0, y0}] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		candidates := [4][2]int{
			{cur[0] + 1, cur[1]},
			{cur[0] - 1, cur[1]},
			{cur[0], cur[1] + 1},
			{cur[0], cur[1] - 1},
		}
		for _, n := range candidates {
			if n[0] < 0 || n[0] >= width || n[1] < 0 || n[1] >= height {
				continue
			}
			if visited[n] {
				continue
			}
			if grid[n[1]][n[0]] != floorTile {
				continue
			}
			visited[n] = true
			queue = append(queue, n)
		}
	}
	return visited
}
