package segmentation

import (
	"github.com/paulmach/orb"
)

// TraceSkeleton walks a thinned binary image and returns each branch
// as a line string in pixel coordinates. Branches run from an endpoint
// or junction to the next; closed loops come back as a single line.
func TraceSkeleton(pix []byte, width, height int) []orb.LineString {
	set := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < width && y < height && pix[y*width+x] > 0
	}

	// 8-connected neighborhood, axis-aligned steps first so traces
	// prefer straight runs over diagonals.
	dirs := [8][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}

	degree := func(x, y int) int {
		n := 0
		for _, d := range dirs {
			if set(x+d[0], y+d[1]) {
				n++
			}
		}
		return n
	}

	visited := make([]bool, width*height)

	walk := func(x, y int) orb.LineString {
		line := orb.LineString{{float64(x), float64(y)}}
		visited[y*width+x] = true
		for {
			moved := false
			for _, d := range dirs {
				nx, ny := x+d[0], y+d[1]
				if set(nx, ny) && !visited[ny*width+nx] {
					visited[ny*width+nx] = true
					line = append(line, orb.Point{float64(nx), float64(ny)})
					x, y = nx, ny
					moved = true
					break
				}
			}
			if !moved {
				return line
			}
			// Stop at junctions so each branch stays its own line.
			if degree(x, y) > 2 {
				return line
			}
		}
	}

	var out []orb.LineString

	// Endpoints first: every open branch starts at one.
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if set(x, y) && !visited[y*width+x] && degree(x, y) <= 1 {
				out = append(out, walk(x, y))
			}
		}
	}
	// Whatever is left is part of a loop.
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if set(x, y) && !visited[y*width+x] {
				line := walk(x, y)
				if len(line) > 1 {
					out = append(out, line)
				}
			}
		}
	}
	return out
}
