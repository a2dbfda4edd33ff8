package survey

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Location is an estimated (or known) source location
type Location struct {
	Latitude            float64  `json:"latitude"`
	Longitude           float64  `json:"longitude"`
	Altitude            *float64 `json:"altitude,omitempty"`
	AccuracyMeters      *float64 `json:"accuracy_meters,omitempty"`
	TransmittedPowerDBm *float64 `json:"transmitted_power_dbm,omitempty"`
	PathLossExponent    *float64 `json:"path_loss_exponent,omitempty"`
	Readings            int      `json:"readings,omitempty"`
	Inliers             *int     `json:"inliers,omitempty"`
	ErrorMeters         *float64 `json:"error_meters,omitempty"` // distance to the known location
}

// Point returns the location as an orb point
func (l *Location) Point() orb.Point {
	return orb.Point{l.Longitude, l.Latitude}
}

// GoogleMapsLink generates a Google Maps link for the location
func (l *Location) GoogleMapsLink() string {
	return fmt.Sprintf("https://maps.google.com/maps?q=%.6f,%.6f", l.Latitude, l.Longitude)
}

// Feature returns the location as a GeoJSON point feature
func (l *Location) Feature() *geojson.Feature {
	f := geojson.NewFeature(l.Point())
	if l.Altitude != nil {
		f.Properties["altitude"] = *l.Altitude
	}
	if l.AccuracyMeters != nil {
		f.Properties["accuracy_meters"] = *l.AccuracyMeters
	}
	if l.TransmittedPowerDBm != nil {
		f.Properties["transmitted_power_dbm"] = *l.TransmittedPowerDBm
	}
	if l.PathLossExponent != nil {
		f.Properties["path_loss_exponent"] = *l.PathLossExponent
	}
	if l.Inliers != nil {
		f.Properties["inliers"] = *l.Inliers
	}
	if l.ErrorMeters != nil {
		f.Properties["error_meters"] = *l.ErrorMeters
	}
	f.Properties["readings"] = l.Readings
	f.Properties["google_maps_link"] = l.GoogleMapsLink()
	return f
}
