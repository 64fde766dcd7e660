package services

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

//go:embed ratetables/static_rates.yaml
var staticRatesYAML []byte

// RateSource names where a resolved price came from.
type RateSource string

const (
	RateSourceMatrix  RateSource = "matrix"
	RateSourceStatic  RateSource = "static"
	RateSourceDefault RateSource = "default"
)

// RateQuery selects one priced permutation.
type RateQuery struct {
	PlanID   string
	Period   domain.PaymentPeriod
	Excess   domain.Excess
	Category domain.VehicleCategory
	AddOns   []string
}

// RateQuote is the resolver output. Callers read named fields only.
type RateQuote struct {
	PlanID   string
	PlanName string
	Period   domain.PaymentPeriod
	Excess   domain.Excess
	AddOns   []string
	Monthly  decimal.Decimal
	Total    decimal.Decimal
	Savings  decimal.Decimal
	Source   RateSource
	Warnings []string
}

// PlanQuote projects the rate quote onto the session plan shape.
func (q RateQuote) PlanQuote() domain.PlanQuote {
	return domain.PlanQuote{
		PlanID:       q.PlanID,
		PlanName:     q.PlanName,
		Period:       q.Period,
		Excess:       q.Excess,
		AddOns:       slices.Clone(q.AddOns),
		MonthlyPrice: q.Monthly,
		TotalPrice:   q.Total,
		Savings:      q.Savings,
	}
}

// AddOn is a flat monthly surcharge available on standard plans.
type AddOn struct {
	ID      string          `yaml:"id"`
	Name    string          `yaml:"name"`
	Monthly decimal.Decimal `yaml:"monthly"`
}

type staticPlan struct {
	id     string
	name   string
	matrix *domain.RateMatrix
}

// StaticRateTable is the built-in fallback rate table.
type StaticRateTable struct {
	currency string
	tiers    []staticPlan
	special  map[domain.VehicleCategory]staticPlan
	addOns   map[string]AddOn
}

type staticRateDocument struct {
	Currency string                      `yaml:"currency"`
	Standard []domain.RateMatrixDocument `yaml:"standard"`
	Special  []domain.RateMatrixDocument `yaml:"special"`
	AddOns   []AddOn                     `yaml:"addOns"`
}

// LoadStaticRateTable parses the embedded table.
func LoadStaticRateTable() (*StaticRateTable, error) {
	return ParseStaticRateTable(staticRatesYAML)
}

// ParseStaticRateTable parses a YAML rate table. Standard plans are listed lowest tier first.
func ParseStaticRateTable(data []byte) (*StaticRateTable, error) {
	var doc staticRateDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rate table: decode: %w", err)
	}
	if len(doc.Standard) == 0 {
		return nil, errors.New("rate table: at least one standard plan is required")
	}

	table := &StaticRateTable{
		currency: strings.ToUpper(strings.TrimSpace(doc.Currency)),
		special:  make(map[domain.VehicleCategory]staticPlan, len(doc.Special)),
		addOns:   make(map[string]AddOn, len(doc.AddOns)),
	}
	for _, planDoc := range doc.Standard {
		plan, err := newStaticPlan(planDoc)
		if err != nil {
			return nil, err
		}
		table.tiers = append(table.tiers, plan)
	}
	for _, planDoc := range doc.Special {
		plan, err := newStaticPlan(planDoc)
		if err != nil {
			return nil, err
		}
		category, ok := domain.ParseVehicleCategory(planDoc.Category)
		if !ok || category.IsStandard() {
			return nil, fmt.Errorf("rate table: special plan %s has invalid category %q", plan.id, planDoc.Category)
		}
		table.special[category] = plan
	}
	for _, addOn := range doc.AddOns {
		id := normalizeRateKey(addOn.ID)
		if id == "" {
			return nil, errors.New("rate table: add-on id is required")
		}
		addOn.ID = id
		table.addOns[id] = addOn
	}
	return table, nil
}

func newStaticPlan(doc domain.RateMatrixDocument) (staticPlan, error) {
	matrix, warnings := doc.Matrix()
	if len(warnings) > 0 {
		return staticPlan{}, fmt.Errorf("rate table: %s", strings.Join(warnings, "; "))
	}
	id := normalizeRateKey(doc.PlanID)
	if id == "" {
		return staticPlan{}, errors.New("rate table: plan id is required")
	}
	name := strings.TrimSpace(doc.PlanName)
	if name == "" {
		name = doc.PlanID
	}
	matrix.PlanID = id
	return staticPlan{id: id, name: name, matrix: matrix}, nil
}

// Currency returns the ISO currency of the table.
func (t *StaticRateTable) Currency() string {
	if t == nil || t.currency == "" {
		return "GBP"
	}
	return t.currency
}

// AddOns returns the configured add-ons ordered by id.
func (t *StaticRateTable) AddOns() []AddOn {
	if t == nil {
		return nil
	}
	out := make([]AddOn, 0, len(t.addOns))
	for _, addOn := range t.addOns {
		out = append(out, addOn)
	}
	slices.SortFunc(out, func(a, b AddOn) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (t *StaticRateTable) standardPlan(planID string) (staticPlan, bool) {
	key := normalizeRateKey(planID)
	for _, plan := range t.tiers {
		if plan.id == key || normalizeRateKey(plan.name) == key {
			return plan, true
		}
	}
	return staticPlan{}, false
}

// RateResolver prices plan permutations from a published matrix with the
// built-in table as fallback. It never fails; degradations become warnings.
type RateResolver struct {
	static *StaticRateTable
}

// NewRateResolver constructs a resolver over the given static table.
func NewRateResolver(static *StaticRateTable) (*RateResolver, error) {
	if static == nil || len(static.tiers) == 0 {
		return nil, errors.New("rate resolver: static table is required")
	}
	return &RateResolver{static: static}, nil
}

// Price resolves monthly, total and savings for the query. matrix may be nil.
func (r *RateResolver) Price(query RateQuery, matrix *domain.RateMatrix) RateQuote {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	period := query.Period
	if !period.Valid() {
		warn("period %d not offered; using %d months", int(period), int(domain.DefaultPaymentPeriod))
		period = domain.DefaultPaymentPeriod
	}
	excess := query.Excess
	if !excess.Valid() {
		nearest := nearestExcess(domain.ExcessTiers, excess)
		warn("excess %d not offered; using nearest tier %d", int(excess), int(nearest))
		excess = nearest
	}
	category := query.Category
	if !category.Valid() {
		category = domain.VehicleCategoryCar
	}

	quote := RateQuote{Period: period, Excess: excess}
	var plan staticPlan
	var known bool
	if category.IsStandard() {
		plan, known = r.static.standardPlan(query.PlanID)
	} else {
		plan, known = r.static.special[category]
	}
	if !known {
		plan = r.static.tiers[0]
		if !category.IsStandard() {
			warn("no rate table for category %s; using lowest tier %s", category, plan.name)
		}
	}
	quote.PlanID = plan.id
	quote.PlanName = plan.name

	var cell domain.RateCell
	resolved := false
	if matrix != nil && matrixMatches(matrix, query.PlanID, plan.id, category) {
		if c, ok := matrix.Cell(period, excess); ok {
			cell = c
			resolved = true
			quote.Source = RateSourceMatrix
			if !known && category.IsStandard() {
				quote.PlanID = normalizeRateKey(query.PlanID)
				quote.PlanName = strings.TrimSpace(query.PlanID)
			}
		} else {
			warn("matrix %s has no cell for period %d excess %d; using built-in table", matrix.PlanID, int(period), int(excess))
		}
	}
	if !resolved {
		if !known && category.IsStandard() {
			warn("unknown plan %q; using lowest tier %s", query.PlanID, plan.name)
		}
		c, used, ok := cellOrNearest(plan.matrix, period, excess)
		if !ok {
			// The embedded table always covers the lowest tier; reaching here means a broken table.
			warn("no rate defined for plan %s period %d", plan.id, int(period))
			quote.Source = RateSourceDefault
			quote.Monthly = decimal.Zero
			quote.Total = decimal.Zero
			quote.Savings = decimal.Zero
			quote.Warnings = warnings
			return quote
		}
		if used != excess {
			warn("excess %d not defined for plan %s; using nearest tier %d", int(excess), plan.id, int(used))
			quote.Excess = used
		}
		cell = c
		quote.Source = RateSourceStatic
		if !known {
			quote.Source = RateSourceDefault
		}
	}

	quote.Monthly, quote.Total = cellAmounts(cell)
	quote.Savings = cell.Save

	if len(query.AddOns) > 0 {
		if !category.IsStandard() {
			warn("add-ons are not available for %s plans; dropped %s", category, strings.Join(query.AddOns, ","))
		} else {
			seen := make(map[string]struct{}, len(query.AddOns))
			for _, raw := range query.AddOns {
				id := normalizeRateKey(raw)
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				addOn, ok := r.static.addOns[id]
				if !ok {
					warn("unknown add-on %q dropped", raw)
					continue
				}
				quote.AddOns = append(quote.AddOns, addOn.ID)
				quote.Monthly = quote.Monthly.Add(addOn.Monthly)
				quote.Total = quote.Total.Add(addOn.Monthly.Mul(domain.Installments()))
			}
			slices.Sort(quote.AddOns)
		}
	}

	quote.Warnings = warnings
	return quote
}

// cellAmounts interprets a cell by its unit. Total cells are never re-multiplied.
func cellAmounts(cell domain.RateCell) (monthly, total decimal.Decimal) {
	if cell.Unit == domain.CellUnitTotal {
		return cell.Value.Div(domain.Installments()), cell.Value
	}
	return cell.Value, cell.Value.Mul(domain.Installments())
}

func matrixMatches(matrix *domain.RateMatrix, requested, resolved string, category domain.VehicleCategory) bool {
	if matrix.Category.IsStandard() != category.IsStandard() {
		return false
	}
	if !category.IsStandard() {
		return matrix.Category == category
	}
	id := normalizeRateKey(matrix.PlanID)
	return id == normalizeRateKey(requested) || id == resolved
}

func cellOrNearest(matrix *domain.RateMatrix, period domain.PaymentPeriod, excess domain.Excess) (domain.RateCell, domain.Excess, bool) {
	if cell, ok := matrix.Cell(period, excess); ok {
		return cell, excess, true
	}
	tiers := matrix.Excesses(period)
	if len(tiers) == 0 {
		return domain.RateCell{}, excess, false
	}
	nearest := nearestExcess(tiers, excess)
	cell, ok := matrix.Cell(period, nearest)
	return cell, nearest, ok
}

// nearestExcess picks the closest tier; ties resolve to the lower tier. tiers must be ascending.
func nearestExcess(tiers []domain.Excess, excess domain.Excess) domain.Excess {
	best := tiers[0]
	bestDistance := absExcess(excess - best)
	for _, tier := range tiers[1:] {
		if d := absExcess(excess - tier); d < bestDistance {
			best = tier
			bestDistance = d
		}
	}
	return best
}

func absExcess(e domain.Excess) domain.Excess {
	if e < 0 {
		return -e
	}
	return e
}

func normalizeRateKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, " ", "_")
	return strings.ReplaceAll(key, "-", "_")
}
