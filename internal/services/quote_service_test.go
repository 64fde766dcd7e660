package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

type stubRateMatrixRepository struct {
	matrix *domain.RateMatrix
	err    error
	calls  int
}

func (s *stubRateMatrixRepository) FetchMatrix(context.Context, string, domain.VehicleCategory) (*domain.RateMatrix, error) {
	s.calls++
	return s.matrix, s.err
}

type stubDiscountCodeService struct {
	validateFn func(ctx context.Context, cmd ValidateDiscountCodeCommand) (domain.ManualCodeResult, error)
}

func (s *stubDiscountCodeService) ValidateCode(ctx context.Context, cmd ValidateDiscountCodeCommand) (domain.ManualCodeResult, error) {
	if s.validateFn == nil {
		return domain.ManualCodeResult{}, errors.New("not implemented")
	}
	return s.validateFn(ctx, cmd)
}

type recordedEvent struct {
	event  string
	fields map[string]any
}

type eventRecorder struct {
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.events = append(r.events, recordedEvent{event: event, fields: fields})
}

func (r *eventRecorder) has(event string) bool {
	for _, e := range r.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func newQuoteServiceForTest(t *testing.T, deps QuoteServiceDeps) QuoteService {
	t.Helper()
	if deps.Resolver == nil {
		deps.Resolver = newTestResolver(t)
	}
	svc, err := NewQuoteService(deps)
	if err != nil {
		t.Fatalf("NewQuoteService: %v", err)
	}
	return svc
}

func TestQuoteService_AutoDiscountWithPayInFull(t *testing.T) {
	svc := newQuoteServiceForTest(t, QuoteServiceDeps{})

	price, err := svc.PriceQuote(context.Background(), PriceQuoteCommand{
		PlanID:       "gold",
		Period:       12,
		Excess:       100,
		Category:     domain.VehicleCategoryCar,
		AutoDiscount: true,
	})
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}
	if !price.Plan.TotalPrice.Equal(decimal.NewFromInt(408)) {
		t.Fatalf("expected base 408, got %s", price.Plan.TotalPrice)
	}
	if !price.Finance.Final.Equal(decimal.NewFromInt(367)) {
		t.Fatalf("expected finance amount round(367.2)=367, got %s", price.Finance.Final)
	}
	if !price.PayInFull.Final.Equal(decimal.NewFromInt(349)) {
		t.Fatalf("expected pay in full amount 349, got %s", price.PayInFull.Final)
	}
	if !price.Installment.Equal(decimal.RequireFromString("30.6")) {
		t.Fatalf("expected installment 30.60, got %s", price.Installment)
	}
	if price.Currency != "GBP" {
		t.Fatalf("expected GBP, got %s", price.Currency)
	}
	if got := price.AmountFor(domain.ProviderCard); !got.Final.Equal(price.PayInFull.Final) {
		t.Fatalf("expected card amount to be the pay in full amount")
	}
}

func TestQuoteService_ManualCodeWinsOverAutomatic(t *testing.T) {
	codes := &stubDiscountCodeService{validateFn: func(_ context.Context, cmd ValidateDiscountCodeCommand) (domain.ManualCodeResult, error) {
		return domain.ManualCodeResult{
			Code:           "SPRING",
			Valid:          true,
			DiscountAmount: decimal.NewFromInt(50),
			FinalAmount:    cmd.BasePrice.Sub(decimal.NewFromInt(50)),
		}, nil
	}}
	matrix, _ := domain.RateMatrixDocument{
		PlanID: "silver",
		Periods: map[string]map[string]domain.RateCellDocument{
			"24": {"0": {Unit: "total", Total: dec("350")}},
		},
	}.Matrix()
	matrices := &stubRateMatrixRepository{matrix: matrix}
	svc := newQuoteServiceForTest(t, QuoteServiceDeps{Codes: codes, Matrices: matrices})

	price, err := svc.PriceQuote(context.Background(), PriceQuoteCommand{
		PlanID:       "silver",
		Period:       24,
		Excess:       0,
		AutoDiscount: true,
		DiscountCode: "spring",
	})
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}
	if price.Source != RateSourceMatrix {
		t.Fatalf("expected matrix source, got %s", price.Source)
	}
	if !price.Finance.Final.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected manual final 300, got %s", price.Finance.Final)
	}
	if price.Finance.Applied.Source != domain.DiscountSourceManual {
		t.Fatalf("expected manual source, got %s", price.Finance.Applied.Source)
	}
	if price.Manual == nil || !price.Manual.Valid {
		t.Fatalf("expected manual verdict to be returned")
	}
}

func TestQuoteService_DegradesOnCollaboratorFailures(t *testing.T) {
	recorder := &eventRecorder{}
	codes := &stubDiscountCodeService{validateFn: func(context.Context, ValidateDiscountCodeCommand) (domain.ManualCodeResult, error) {
		return domain.ManualCodeResult{}, ErrDiscountCodeUnavailable
	}}
	matrices := &stubRateMatrixRepository{err: errors.New("bucket unreachable")}
	svc := newQuoteServiceForTest(t, QuoteServiceDeps{Codes: codes, Matrices: matrices, Logger: recorder.log})

	price, err := svc.PriceQuote(context.Background(), PriceQuoteCommand{
		PlanID:       "gold",
		Period:       12,
		Excess:       100,
		AutoDiscount: true,
		DiscountCode: "SPRING",
	})
	if err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}
	if price.Manual != nil {
		t.Fatalf("expected no manual verdict when validation fails")
	}
	if price.Finance.Applied.Source != domain.DiscountSourceAutomatic {
		t.Fatalf("expected fall through to automatic discount, got %s", price.Finance.Applied.Source)
	}
	if price.Source != RateSourceStatic {
		t.Fatalf("expected static source, got %s", price.Source)
	}
	if !recorder.has("pricing.matrix_unavailable") || !recorder.has("pricing.discount_code_failed") {
		t.Fatalf("expected degradation events, got %+v", recorder.events)
	}
}

func TestQuoteService_MatrixNotFoundIsSilent(t *testing.T) {
	recorder := &eventRecorder{}
	matrices := &stubRateMatrixRepository{err: stubRepoError{notFound: true}}
	svc := newQuoteServiceForTest(t, QuoteServiceDeps{Matrices: matrices, Logger: recorder.log})

	if _, err := svc.PriceQuote(context.Background(), PriceQuoteCommand{PlanID: "gold", Period: 12, Excess: 0}); err != nil {
		t.Fatalf("PriceQuote: %v", err)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("expected no events, got %+v", recorder.events)
	}
}

func TestQuoteService_RequiresPlan(t *testing.T) {
	svc := newQuoteServiceForTest(t, QuoteServiceDeps{})
	if _, err := svc.PriceQuote(context.Background(), PriceQuoteCommand{}); !errors.Is(err, ErrQuoteInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
