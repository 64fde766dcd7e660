package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RateMatrixDocument is the published shape of a rate matrix, shared by the
// storage documents and the built-in table.
type RateMatrixDocument struct {
	PlanID   string                                 `json:"planId" yaml:"planId"`
	PlanName string                                 `json:"planName,omitempty" yaml:"planName,omitempty"`
	Category string                                 `json:"category,omitempty" yaml:"category,omitempty"`
	Version  string                                 `json:"version,omitempty" yaml:"version,omitempty"`
	Periods  map[string]map[string]RateCellDocument `json:"periods" yaml:"periods"`
}

// RateCellDocument is one published cell. Unit is optional in legacy documents.
type RateCellDocument struct {
	Unit    string           `json:"unit,omitempty" yaml:"unit,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty" yaml:"price,omitempty"`
	Monthly *decimal.Decimal `json:"monthly,omitempty" yaml:"monthly,omitempty"`
	Total   *decimal.Decimal `json:"total,omitempty" yaml:"total,omitempty"`
	Save    *decimal.Decimal `json:"save,omitempty" yaml:"save,omitempty"`
}

// Matrix converts the document into a typed matrix. Cells that cannot be
// interpreted are skipped and reported as warnings.
func (d RateMatrixDocument) Matrix() (*RateMatrix, []string) {
	category, _ := ParseVehicleCategory(d.Category)
	matrix := &RateMatrix{
		PlanID:   strings.TrimSpace(d.PlanID),
		Category: category,
		Version:  strings.TrimSpace(d.Version),
		Cells:    make(map[PaymentPeriod]map[Excess]RateCell, len(d.Periods)),
	}
	var warnings []string

	periodKeys := make([]string, 0, len(d.Periods))
	for key := range d.Periods {
		periodKeys = append(periodKeys, key)
	}
	sort.Strings(periodKeys)

	for _, periodKey := range periodKeys {
		period, ok := ParsePaymentPeriodKey(periodKey)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("plan %s: unknown period key %q", matrix.PlanID, periodKey))
			continue
		}
		row := d.Periods[periodKey]
		cells := make(map[Excess]RateCell, len(row))
		for excessKey, doc := range row {
			value, err := strconv.Atoi(strings.TrimSpace(excessKey))
			if err != nil || value < 0 {
				warnings = append(warnings, fmt.Sprintf("plan %s: invalid excess key %q", matrix.PlanID, excessKey))
				continue
			}
			cell, err := doc.cell(period)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("plan %s: period %s excess %s: %v", matrix.PlanID, periodKey, excessKey, err))
				continue
			}
			cells[Excess(value)] = cell
		}
		if len(cells) > 0 {
			matrix.Cells[period] = cells
		}
	}
	return matrix, warnings
}

func (c RateCellDocument) cell(period PaymentPeriod) (RateCell, error) {
	unit := CellUnit(strings.ToLower(strings.TrimSpace(c.Unit)))
	if unit == "" {
		unit = CellUnitTotal
		if period == PaymentPeriod12 {
			unit = CellUnitMonthly
		}
	}

	var value *decimal.Decimal
	switch unit {
	case CellUnitMonthly:
		value = firstDecimal(c.Monthly, c.Price)
	case CellUnitTotal:
		value = firstDecimal(c.Total, c.Price)
	default:
		return RateCell{}, fmt.Errorf("unknown unit %q", c.Unit)
	}
	if value == nil {
		return RateCell{}, fmt.Errorf("missing %s value", unit)
	}
	if value.IsNegative() {
		return RateCell{}, fmt.Errorf("negative %s value", unit)
	}

	save := decimal.Zero
	if c.Save != nil && c.Save.IsPositive() {
		save = *c.Save
	}
	return RateCell{Unit: unit, Value: *value, Save: save}, nil
}

func firstDecimal(values ...*decimal.Decimal) *decimal.Decimal {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
