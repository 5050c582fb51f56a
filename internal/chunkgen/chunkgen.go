// Package chunkgen deterministically carves a W x H dungeon chunk from a
// seed and a set of required cardinal exits.
package chunkgen

import "sort"

const (
	floorTile = '.'
	wallTile  = '#'
)

// Direction is one of the four cardinal exits.
type Direction string

const (
	North Direction = "N"
	East  Direction = "E"
	South Direction = "S"
	West  Direction = "W"
)

var allDirections = []Direction{North, East, South, West}

type room struct {
	x, y, w, h int
}

func (r room) center() (int, int) {
	return r.x + r.w/2, r.y + r.h/2
}

func (r room) overlaps(other room, padding int) bool {
	return r.x-padding < other.x+other.w &&
		other.x-padding < r.x+r.w &&
		r.y-padding < other.y+other.h &&
		other.y-padding < r.y+r.h
}

// EdgeAnchor returns the centre cell of the named boundary edge, matching
// the destination mapping used by the tick engine's boundary transitions:
// N is the max-y row, S the y=0 row, E the max-x column, W the x=0 column.
func EdgeAnchor(width, height int, d Direction) (int, int) {
	cx, cy := width/2, height/2
	switch d {
	case North:
		return cx, height - 1
	case East:
		return width - 1, cy
	case South:
		return cx, 0
	case West:
		return 0, cy
	}
	return cx, cy
}

// Generate produces a deterministic chunk tile layout as one string per row,
// '.' for floor and '#' for wall. requiredEdges may contain any subset of
// "N","E","S","W"; unknown values are ignored.
func Generate(width, height int, seed int64, requiredEdges []string, rootLayout bool) []string {
	req := normalizeEdges(requiredEdges)

	grid := make([][]byte, height)
	for y := range grid {
		grid[y] = make([]byte, width)
		for x := range grid[y] {
			grid[y][x] = wallTile
		}
	}

	if rootLayout && width >= 20 && height >= 20 {
		carveCircularRoot(grid, width, height)
	} else if width < 20 || height < 20 {
		generateSmallGrid(grid, width, height, req)
	} else {
		generateRoomLayout(grid, width, height, seed, req)
	}

	if width > 1 && height > 1 {
		grid[1][1] = floorTile
	}

	rows := make([]string, height)
	for y := range grid {
		rows[y] = string(grid[y])
	}
	return rows
}

func normalizeEdges(requiredEdges []string) map[Direction]bool {
	req := make(map[Direction]bool, len(requiredEdges))
	for _, raw := range requiredEdges {
		d := Direction(raw)
		switch d {
		case North, East, South, West:
			req[d] = true
		}
	}
	return req
}

// generateSmallGrid mirrors the bootstrap algorithm used for grids too small
// to host the room-placement algorithm's minimum room/padding budget: fully
// open borders, deterministic row-1/col-1 corridors, a centre room, and an
// L-corridor from each required edge anchor into the centre.
func generateSmallGrid(grid [][]byte, width, height int, req map[Direction]bool) {
	for x := 0; x < width; x++ {
		grid[0][x] = floorTile
		grid[height-1][x] = floorTile
	}
	for y := 0; y < height; y++ {
		grid[y][0] = floorTile
		grid[y][width-1] = floorTile
	}

	for x := 1; x < width-1; x++ {
		grid[1][x] = floorTile
	}
	for y := 1; y < height-1; y++ {
		grid[y][1] = floorTile
	}

	cx, cy := width/2, height/2
	for y := maxInt(1, cy-2); y < minInt(height-1, cy+3); y++ {
		for x := maxInt(1, cx-2); x < minInt(width-1, cx+3); x++ {
			grid[y][x] = floorTile
		}
	}

	for _, d := range sortedDirections(req) {
		ax, ay := EdgeAnchor(width, height, d)
		var ix, iy int
		switch d {
		case North:
			ix, iy = ax, height-2
		case East:
			ix, iy = width-2, ay
		case South:
			ix, iy = ax, 1
		case West:
			ix, iy = 1, ay
		}
		grid[ay][ax] = floorTile
		grid[iy][ix] = floorTile
		carveLine(grid, ix, iy, cx, cy)
	}
}

func sortedDirections(req map[Direction]bool) []Direction {
	out := make([]Direction, 0, len(req))
	for d := range req {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func carveLine(grid [][]byte, x0, y0, x1, y1 int) {
	cx, cy := x0, y0
	grid[cy][cx] = floorTile
	for cx != x1 || cy != y1 {
		switch {
		case cx < x1:
			cx++
		case cx > x1:
			cx--
		case cy < y1:
			cy++
		case cy > y1:
			cy--
		}
		grid[cy][cx] = floorTile
	}
}

func carveCircularRoot(grid [][]byte, width, height int) {
	cx, cy := width/2, height/2
	radius := minInt(width, height)/2 - 2
	if radius < 3 {
		radius = 3
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				grid[y][x] = floorTile
			}
		}
	}
	for _, d := range allDirections {
		carveExitBand(grid, width, height, d)
	}
}

// carveExitBand opens a 4-cell-wide band spanning from the named boundary
// into the chunk interior, centred on the edge's midpoint.
func carveExitBand(grid [][]byte, width, height int, d Direction) {
	switch d {
	case North:
		lo, hi := bandRange(width/2, width)
		for x := lo; x < hi; x++ {
			for y := height - 2; y < height; y++ {
				grid[y][x] = floorTile
			}
		}
	case South:
		lo, hi := bandRange(width/2, width)
		for x := lo; x < hi; x++ {
			for y := 0; y < 2; y++ {
				grid[y][x] = floorTile
			}
		}
	case East:
		lo, hi := bandRange(height/2, height)
		for y := lo; y < hi; y++ {
			for x := width - 2; x < width; x++ {
				grid[y][x] = floorTile
			}
		}
	case West:
		lo, hi := bandRange(height/2, height)
		for y := lo; y < hi; y++ {
			for x := 0; x < 2; x++ {
				grid[y][x] = floorTile
			}
		}
	}
}

func bandRange(mid, limit int) (int, int) {
	lo := maxInt(0, mid-2)
	hi := minInt(limit, mid+2)
	return lo, hi
}

// generateRoomLayout implements the room-placement/corridor-carving
// algorithm for grids large enough to host it.
func generateRoomLayout(grid [][]byte, width, height int, seed int64, req map[Direction]bool) {
	r := newRNG(seed)

	numRooms := 4 + r.Intn(11) // [4,14]
	rooms := placeRooms(r, width, height, numRooms)
	if len(rooms) == 0 {
		cx, cy := width/2, height/2
		rooms = append(rooms, room{x: maxInt(1, cx-2), y: maxInt(1, cy-2), w: 5, h: 5})
	}

	for _, rm := range rooms {
		carveRoom(grid, rm)
	}

	for i := 1; i < len(rooms); i++ {
		x0, y0 := rooms[i-1].center()
		x1, y1 := rooms[i].center()
		carveLShape(r, grid, x0, y0, x1, y1)
	}

	loopCount := len(rooms) / 3
	for i := 0; i < loopCount; i++ {
		a := r.Intn(len(rooms))
		b := r.Intn(len(rooms))
		if a == b {
			continue
		}
		x0, y0 := rooms[a].center()
		x1, y1 := rooms[b].center()
		carveLShape(r, grid, x0, y0, x1, y1)
	}

	active := activeExits(r, req)
	for _, d := range sortedActive(active) {
		carveExitBand(grid, width, height, d)
		ix, iy := interiorBandCentre(width, height, d)
		nx, ny := nearestRoomCentre(rooms, ix, iy)
		carveLShape(r, grid, ix, iy, nx, ny)
	}
}

func placeRooms(r *rng, width, height, count int) []room {
	const maxAttempts = 200
	rooms := make([]room, 0, count)
	for i := 0; i < count; i++ {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			w := 2 + r.Intn(9) // [2,10]
			h := 2 + r.Intn(9) // [2,10]
			if width-2-w < 1 || height-2-h < 1 {
				break
			}
			x := 1 + r.Intn(width-2-w)
			y := 1 + r.Intn(height-2-h)
			candidate := room{x: x, y: y, w: w, h: h}

			overlap := false
			for _, existing := range rooms {
				if candidate.overlaps(existing, 1) {
					overlap = true
					break
				}
			}
			if !overlap {
				rooms = append(rooms, candidate)
				break
			}
		}
	}
	return rooms
}

func carveRoom(grid [][]byte, rm room) {
	for y := rm.y; y < rm.y+rm.h; y++ {
		for x := rm.x; x < rm.x+rm.w; x++ {
			grid[y][x] = floorTile
		}
	}
}

// carveLShape carves a two-segment corridor between two points, choosing the
// bend order from the generator's own stream so consecutive corridors are
// not visually uniform.
func carveLShape(r *rng, grid [][]byte, x0, y0, x1, y1 int) {
	if r.Intn(2) == 0 {
		carveLine(grid, x0, y0, x1, y0)
		carveLine(grid, x1, y0, x1, y1)
	} else {
		carveLine(grid, x0, y0, x0, y1)
		carveLine(grid, x0, y1, x1, y1)
	}
}

func activeExits(r *rng, req map[Direction]bool) map[Direction]bool {
	active := make(map[Direction]bool, 4)
	for d := range req {
		active[d] = true
	}
	target := len(active)
	if target < 2 {
		target = 2
	}
	if extra := 4 - target; extra > 0 {
		target += r.Intn(extra + 1)
	}

	remaining := make([]Direction, 0, 4)
	for _, d := range allDirections {
		if !active[d] {
			remaining = append(remaining, d)
		}
	}
	for len(active) < target && len(remaining) > 0 {
		idx := r.Intn(len(remaining))
		active[remaining[idx]] = true
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return active
}

func sortedActive(active map[Direction]bool) []Direction {
	out := make([]Direction, 0, len(active))
	for d := range active {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func interiorBandCentre(width, height int, d Direction) (int, int) {
	cx, cy := width/2, height/2
	switch d {
	case North:
		return cx, height - 2
	case South:
		return cx, 1
	case East:
		return width - 2, cy
	case West:
		return 1, cy
	}
	return cx, cy
}

func nearestRoomCentre(rooms []room, x, y int) (int, int) {
	bestDist := -1
	bestX, bestY := x, y
	for _, rm := range rooms {
		rx, ry := rm.center()
		d := absInt(rx-x) + absInt(ry-y)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			bestX, bestY = rx, ry
		}
	}
	return bestX, bestY
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
