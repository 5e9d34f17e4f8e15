package methods

import (
	"math"

	"github.com/paulmach/orb"
)

const semimajorAxis = 6378137.0

// LonLatToMercator converts EPSG:4326 to EPSG:3857.
func LonLatToMercator(lon float64, lat float64) (float64, float64) {
	x := semimajorAxis * (math.Pi / 180) * lon
	y := semimajorAxis * math.Log(math.Tan((math.Pi/4)+((math.Pi/180)*lat/2)))
	return x, y
}

// MercatorToLonLat converts EPSG:3857 to EPSG:4326.
func MercatorToLonLat(x float64, y float64) (float64, float64) {
	lon := (x / semimajorAxis) * (180 / math.Pi)
	lat := (2*math.Atan(math.Exp(y/semimajorAxis)) - math.Pi/2) * (180 / math.Pi)
	return lon, lat
}

// BoundToMercator reprojects a WGS84 bound corner by corner.
func BoundToMercator(b orb.Bound) orb.Bound {
	minx, miny := LonLatToMercator(b.Min[0], b.Min[1])
	maxx, maxy := LonLatToMercator(b.Max[0], b.Max[1])
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}
}

// BoundToLonLat reprojects a web mercator bound corner by corner.
func BoundToLonLat(b orb.Bound) orb.Bound {
	minx, miny := MercatorToLonLat(b.Min[0], b.Min[1])
	maxx, maxy := MercatorToLonLat(b.Max[0], b.Max[1])
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}
}

// TileQuadkey returns the quadkey of the tile at zoom z containing lon/lat.
func TileQuadkey(lon, lat float64, z int) string {
	x, y := LonLatToTile(lon, lat, z)
	return Quadkey(x, y, z)
}

// LonLatToTile returns the XYZ tile column and row.
func LonLatToTile(lon, lat float64, z int) (int, int) {
	n := math.Exp2(float64(z))
	x := int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2.0 * n))
	max := int(n) - 1
	if x < 0 {
		x = 0
	} else if x > max {
		x = max
	}
	if y < 0 {
		y = 0
	} else if y > max {
		y = max
	}
	return x, y
}

func Quadkey(x, y, z int) string {
	key := make([]byte, 0, z)
	for i := z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		key = append(key, digit)
	}
	return string(key)
}
