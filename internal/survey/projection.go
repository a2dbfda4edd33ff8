package survey

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/denysvitali/whereis/internal/types"
)

// Projection maps geodetic coordinates to a local east-north-up plane in meters
// around an origin, using an equirectangular approximation. It is accurate for
// surveys spanning a few kilometers.
type Projection struct {
	Origin orb.Point // lon, lat in degrees
	cosLat float64
}

// NewProjection returns the projection centered on origin
func NewProjection(origin orb.Point) Projection {
	return Projection{
		Origin: origin,
		cosLat: math.Cos(deg2rad(origin.Lat())),
	}
}

// ToLocal projects a geodetic point. With dim 3 the altitude becomes the up axis.
func (p Projection) ToLocal(pt orb.Point, altitude float64, dim int) types.Point {
	east := deg2rad(pt.Lon()-p.Origin.Lon()) * p.cosLat * orb.EarthRadius
	north := deg2rad(pt.Lat()-p.Origin.Lat()) * orb.EarthRadius
	if dim == 3 {
		return types.Point{east, north, altitude}
	}
	return types.Point{east, north}
}

// ToGeodetic is the inverse of ToLocal. The altitude is 0 for 2D points.
func (p Projection) ToGeodetic(local types.Point) (orb.Point, float64) {
	lat := p.Origin.Lat() + rad2deg(local[1]/orb.EarthRadius)
	lon := p.Origin.Lon()
	if p.cosLat != 0 {
		lon += rad2deg(local[0] / (orb.EarthRadius * p.cosLat))
	}
	altitude := 0.0
	if len(local) == 3 {
		altitude = local[2]
	}
	return orb.Point{lon, lat}, altitude
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

func rad2deg(r float64) float64 {
	return r * 180 / math.Pi
}
