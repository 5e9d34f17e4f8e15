package services

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const splitEpsilon = 1e-9

// FullImageRing is the single division of an image that needs no split.
func FullImageRing(width, height int) [][2]float64 {
	w, h := float64(width), float64(height)
	return [][2]float64{{0, 0}, {0, h}, {w, h}, {w, 0}, {0, 0}}
}

// ExtendLine pushes both ends of a polyline outward along its end segments by dist.
func ExtendLine(line [][2]float64, dist float64) [][2]float64 {
	if len(line) < 2 {
		return line
	}
	out := make([][2]float64, 0, len(line)+2)
	out = append(out, stretch(line[1], line[0], dist))
	out = append(out, line...)
	n := len(line)
	out = append(out, stretch(line[n-2], line[n-1], dist))
	return out
}

// stretch returns the point dist beyond to, on the ray from -> to.
func stretch(from, to [2]float64, dist float64) [2]float64 {
	dx, dy := to[0]-from[0], to[1]-from[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return to
	}
	return [2]float64{to[0] + dx/l*dist, to[1] + dy/l*dist}
}

type crossing struct {
	param float64 // segment index + t along the cutline
	edge  int
	u     float64 // position along the ring edge
	pt    [2]float64
}

// CutPolygons splits every polygon the cutline crosses. A split polygon is
// replaced in place by its first piece and the second piece follows it.
func CutPolygons(polys [][][2]float64, line [][2]float64) [][][2]float64 {
	if len(line) < 2 {
		return polys
	}
	out := make([][][2]float64, 0, len(polys)+1)
	for _, poly := range polys {
		a, b, ok := splitRing(poly, line)
		if !ok {
			out = append(out, poly)
			continue
		}
		out = append(out, a, b)
	}
	return out
}

func splitRing(ring [][2]float64, line [][2]float64) ([][2]float64, [][2]float64, bool) {
	verts := openRing(ring)
	n := len(verts)
	if n < 3 {
		return nil, nil, false
	}
	crossings := findCrossings(verts, line)
	if len(crossings) < 2 {
		return nil, nil, false
	}
	orbRing := toOrbRing(verts)
	for i := 0; i < len(crossings)-1; i++ {
		a, b := crossings[i], crossings[i+1]
		mid := pointAt(line, (a.param+b.param)/2)
		if !planar.RingContains(orbRing, orb.Point{mid[0], mid[1]}) {
			continue
		}
		inner := innerPath(line, a, b)
		first := closeRing(append(append([][2]float64{a.pt}, walk(verts, a, b)...), append([][2]float64{b.pt}, reversed(inner)...)...))
		second := closeRing(append(append([][2]float64{b.pt}, walk(verts, b, a)...), append([][2]float64{a.pt}, inner...)...))
		if ringArea(first) < splitEpsilon || ringArea(second) < splitEpsilon {
			continue
		}
		return first, second, true
	}
	return nil, nil, false
}

// openRing drops the closing point of a ring.
func openRing(ring [][2]float64) [][2]float64 {
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		return ring[:len(ring)-1]
	}
	return ring
}

func closeRing(pts [][2]float64) [][2]float64 {
	var out [][2]float64
	for _, p := range pts {
		if len(out) > 0 && samePoint(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 && !samePoint(out[0], out[len(out)-1]) {
		out = append(out, out[0])
	}
	return out
}

func findCrossings(verts [][2]float64, line [][2]float64) []crossing {
	n := len(verts)
	var found []crossing
	for k := 0; k < len(line)-1; k++ {
		p, p2 := line[k], line[k+1]
		for e := 0; e < n; e++ {
			q, q2 := verts[e], verts[(e+1)%n]
			t, u, ok := segmentIntersection(p, p2, q, q2)
			if !ok {
				continue
			}
			c := crossing{param: float64(k) + t, edge: e, u: u}
			if u >= 1-splitEpsilon {
				c.edge, c.u = (e+1)%n, 0
			}
			c.pt = lerp(verts[c.edge], verts[(c.edge+1)%n], c.u)
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].param < found[j].param })
	var out []crossing
	for _, c := range found {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.edge == c.edge && math.Abs(last.u-c.u) < splitEpsilon {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// segmentIntersection returns the parameters along p->p2 and q->q2 where they cross.
func segmentIntersection(p, p2, q, q2 [2]float64) (float64, float64, bool) {
	rx, ry := p2[0]-p[0], p2[1]-p[1]
	sx, sy := q2[0]-q[0], q2[1]-q[1]
	denom := rx*sy - ry*sx
	if math.Abs(denom) < splitEpsilon {
		return 0, 0, false
	}
	qpx, qpy := q[0]-p[0], q[1]-p[1]
	t := (qpx*sy - qpy*sx) / denom
	u := (qpx*ry - qpy*rx) / denom
	if t < -splitEpsilon || t > 1+splitEpsilon || u < -splitEpsilon || u > 1+splitEpsilon {
		return 0, 0, false
	}
	return clamp01(t), clamp01(u), true
}

// walk lists the ring vertices met going from crossing a to crossing b in ring order.
func walk(verts [][2]float64, a, b crossing) [][2]float64 {
	n := len(verts)
	count := (b.edge - a.edge + n) % n
	if count == 0 && a.u > b.u {
		count = n
	}
	out := make([][2]float64, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, verts[(a.edge+i)%n])
	}
	return out
}

// innerPath lists the cutline vertices strictly between crossings a and b.
func innerPath(line [][2]float64, a, b crossing) [][2]float64 {
	var out [][2]float64
	for k := int(math.Floor(a.param)) + 1; float64(k) < b.param && k < len(line); k++ {
		out = append(out, line[k])
	}
	return out
}

func pointAt(line [][2]float64, param float64) [2]float64 {
	k := int(math.Floor(param))
	if k >= len(line)-1 {
		return line[len(line)-1]
	}
	return lerp(line[k], line[k+1], param-float64(k))
}

func lerp(a, b [2]float64, t float64) [2]float64 {
	return [2]float64{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

func reversed(pts [][2]float64) [][2]float64 {
	out := make([][2]float64, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}

func samePoint(a, b [2]float64) bool {
	return math.Abs(a[0]-b[0]) < splitEpsilon && math.Abs(a[1]-b[1]) < splitEpsilon
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func toOrbRing(verts [][2]float64) orb.Ring {
	r := make(orb.Ring, 0, len(verts)+1)
	for _, v := range verts {
		r = append(r, orb.Point{v[0], v[1]})
	}
	return append(r, r[0])
}

// ringArea is the unsigned shoelace area.
func ringArea(ring [][2]float64) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return math.Abs(sum) / 2
}
