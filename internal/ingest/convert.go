package ingest

import (
	"fmt"

	"DriverSafetyCore/internal/geo"
	"DriverSafetyCore/internal/models"
)

// RowToCandidate converts a fallback row into the admission shape. A location
// that cannot be parsed is a serialization fault.
func RowToCandidate(row models.PanicRow) (models.Candidate, error) {
	lat, lng, err := geo.ParsePoint(row.LocationWKT)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("row %s: %w", row.EventID, err)
	}

	c := models.Candidate{
		EventID:   row.EventID,
		DriverID:  row.DriverID,
		Latitude:  lat,
		Longitude: lng,
		IsActive:  row.IsActive,
		StartedAt: row.StartedAt,
		Origin:    models.OriginFallback,
	}

	if v := vehicleFromRow(row); v != nil {
		c.Vehicle = v
	}
	if row.DriverName != nil || row.DriverPhone != nil {
		c.Driver = &models.DriverSnapshot{Name: deref(row.DriverName), Phone: deref(row.DriverPhone)}
	}
	return c, nil
}

func vehicleFromRow(row models.PanicRow) *models.VehicleSnapshot {
	if row.VehicleID == nil && row.VehicleMake == nil && row.VehicleModel == nil &&
		row.VehicleColor == nil && row.VehiclePlate == nil {
		return nil
	}
	return &models.VehicleSnapshot{
		ID:    deref(row.VehicleID),
		Make:  deref(row.VehicleMake),
		Model: deref(row.VehicleModel),
		Color: deref(row.VehicleColor),
		Plate: deref(row.VehiclePlate),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
