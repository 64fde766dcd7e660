package firestore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

type vehicleDocument struct {
	Registration string `firestore:"registration"`
	Mileage      int    `firestore:"mileage"`
	Category     string `firestore:"category"`
	Make         string `firestore:"make,omitempty"`
	Model        string `firestore:"model,omitempty"`
	Year         int    `firestore:"year,omitempty"`
	FuelType     string `firestore:"fuelType,omitempty"`
	Transmission string `firestore:"transmission,omitempty"`
}

func encodeVehicle(v domain.VehicleProfile) vehicleDocument {
	return vehicleDocument{
		Registration: v.Registration,
		Mileage:      v.Mileage,
		Category:     string(v.Category),
		Make:         v.Make,
		Model:        v.Model,
		Year:         v.Year,
		FuelType:     v.FuelType,
		Transmission: v.Transmission,
	}
}

func (d vehicleDocument) toDomain() domain.VehicleProfile {
	category, _ := domain.ParseVehicleCategory(d.Category)
	return domain.VehicleProfile{
		Registration: d.Registration,
		Mileage:      d.Mileage,
		Category:     category,
		Make:         d.Make,
		Model:        d.Model,
		Year:         d.Year,
		FuelType:     d.FuelType,
		Transmission: d.Transmission,
	}
}

// Amounts are stored as decimal strings; Firestore has no exact decimal type.
type planDocument struct {
	PlanID       string   `firestore:"planId"`
	PlanName     string   `firestore:"planName"`
	Period       int      `firestore:"period"`
	Excess       int      `firestore:"excess"`
	AddOns       []string `firestore:"addOns,omitempty"`
	MonthlyPrice string   `firestore:"monthlyPrice"`
	TotalPrice   string   `firestore:"totalPrice"`
	Savings      string   `firestore:"savings,omitempty"`
}

func encodePlan(p *domain.PlanQuote) *planDocument {
	if p == nil {
		return nil
	}
	return &planDocument{
		PlanID:       p.PlanID,
		PlanName:     p.PlanName,
		Period:       int(p.Period),
		Excess:       int(p.Excess),
		AddOns:       append([]string(nil), p.AddOns...),
		MonthlyPrice: p.MonthlyPrice.String(),
		TotalPrice:   p.TotalPrice.String(),
		Savings:      p.Savings.String(),
	}
}

func (d *planDocument) toDomain() *domain.PlanQuote {
	if d == nil {
		return nil
	}
	return &domain.PlanQuote{
		PlanID:       d.PlanID,
		PlanName:     d.PlanName,
		Period:       domain.PaymentPeriod(d.Period),
		Excess:       domain.Excess(d.Excess),
		AddOns:       append([]string(nil), d.AddOns...),
		MonthlyPrice: parseAmount(d.MonthlyPrice),
		TotalPrice:   parseAmount(d.TotalPrice),
		Savings:      parseAmount(d.Savings),
	}
}

func parseAmount(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}

// hashedID derives a stable document id that keeps customer data out of document paths.
func hashedID(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}
