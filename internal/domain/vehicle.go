package domain

import (
	"strings"
)

// VehicleCategory selects which backing rate table prices a vehicle.
type VehicleCategory string

const (
	VehicleCategoryCar       VehicleCategory = "car"
	VehicleCategoryMotorbike VehicleCategory = "motorbike"
	VehicleCategoryPHEV      VehicleCategory = "phev"
	VehicleCategoryHybrid    VehicleCategory = "hybrid"
	VehicleCategoryEV        VehicleCategory = "ev"
)

var vehicleCategoryAliases = map[string]VehicleCategory{
	"":                     VehicleCategoryCar,
	"car":                  VehicleCategoryCar,
	"petrol":               VehicleCategoryCar,
	"diesel":               VehicleCategoryCar,
	"motorbike":            VehicleCategoryMotorbike,
	"motorcycle":           VehicleCategoryMotorbike,
	"moped":                VehicleCategoryMotorbike,
	"bike":                 VehicleCategoryMotorbike,
	"phev":                 VehicleCategoryPHEV,
	"plug-in hybrid":       VehicleCategoryPHEV,
	"plugin hybrid":        VehicleCategoryPHEV,
	"plug in hybrid":       VehicleCategoryPHEV,
	"hybrid":               VehicleCategoryHybrid,
	"hybrid electric":      VehicleCategoryHybrid,
	"petrol/electric":      VehicleCategoryHybrid,
	"ev":                   VehicleCategoryEV,
	"bev":                  VehicleCategoryEV,
	"electric":             VehicleCategoryEV,
	"electricity":          VehicleCategoryEV,
	"battery electric":     VehicleCategoryEV,
	"electric vehicle":     VehicleCategoryEV,
	"full electric":        VehicleCategoryEV,
	"pure electric":        VehicleCategoryEV,
	"hybrid electric (ev)": VehicleCategoryHybrid,
}

// ParseVehicleCategory maps raw lookup strings onto a category. Unknown values resolve to car
// and report false so callers can log the degradation.
func ParseVehicleCategory(raw string) (VehicleCategory, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	key = strings.ReplaceAll(key, "_", " ")
	if category, ok := vehicleCategoryAliases[key]; ok {
		return category, true
	}
	return VehicleCategoryCar, false
}

// IsStandard reports whether the category is priced from the standard car plan table.
func (c VehicleCategory) IsStandard() bool {
	return c == VehicleCategoryCar || c == ""
}

// Valid reports whether the category is one of the known values.
func (c VehicleCategory) Valid() bool {
	switch c {
	case VehicleCategoryCar, VehicleCategoryMotorbike, VehicleCategoryPHEV, VehicleCategoryHybrid, VehicleCategoryEV:
		return true
	default:
		return false
	}
}

// UnmarshalText normalises categories as they cross the JSON boundary.
func (c *VehicleCategory) UnmarshalText(text []byte) error {
	parsed, _ := ParseVehicleCategory(string(text))
	*c = parsed
	return nil
}

// VehicleProfile is captured once per session from the registration lookup.
type VehicleProfile struct {
	Registration string          `json:"registration"`
	Mileage      int             `json:"mileage"`
	Category     VehicleCategory `json:"category"`
	Make         string          `json:"make,omitempty"`
	Model        string          `json:"model,omitempty"`
	Year         int             `json:"year,omitempty"`
	FuelType     string          `json:"fuelType,omitempty"`
	Transmission string          `json:"transmission,omitempty"`
}

// IsZero reports whether no vehicle has been captured.
func (v VehicleProfile) IsZero() bool {
	return strings.TrimSpace(v.Registration) == ""
}
