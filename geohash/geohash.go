package geohash

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// CellPrecision is the precision of the drivers:<hash> presence cells.
const CellPrecision uint = 5

// cellSizeKm is the approximate width and height of a cell at the equator, by
// precision.
var cellSizeKm = [...][2]float64{
	{},
	{5009.4, 4992.6},
	{1252.3, 624.1},
	{156.5, 156.0},
	{39.1, 19.5},
	{4.89, 4.89},
	{1.22, 0.61},
	{0.153, 0.153},
	{0.0382, 0.0191},
}

// Encode coordinates into a geohash with specified precision.
func Encode(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// Cell is the presence cell containing the coordinates.
func Cell(lat, lon float64) string {
	return Encode(lat, lon, CellPrecision)
}

// GetNeighbors returns the geohashes of neighboring cells.
func GetNeighbors(hash string) []string {
	return geohash.Neighbors(hash)
}

// Cover returns the cell containing the point and its eight neighbors when
// that block is guaranteed to contain every point within radiusKm. ok is
// false when the radius is wider than a cell at this precision.
func Cover(lat, lon, radiusKm float64, precision uint) (cells []string, ok bool) {
	if precision == 0 || int(precision) >= len(cellSizeKm) || radiusKm < 0 {
		return nil, false
	}
	size := cellSizeKm[precision]
	width := size[0] * math.Cos(lat*math.Pi/180)
	if radiusKm > math.Min(width, size[1]) {
		return nil, false
	}
	hash := Encode(lat, lon, precision)
	return append([]string{hash}, GetNeighbors(hash)...), true
}
