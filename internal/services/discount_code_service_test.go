package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubDiscountCodeRepository struct {
	codes map[string]domain.DiscountCode
	err   error
	calls []string
}

func (s *stubDiscountCodeRepository) FindByCode(_ context.Context, code string) (domain.DiscountCode, error) {
	s.calls = append(s.calls, code)
	if s.err != nil {
		return domain.DiscountCode{}, s.err
	}
	discount, ok := s.codes[code]
	if !ok {
		return domain.DiscountCode{}, stubRepoError{notFound: true}
	}
	return discount, nil
}

func newDiscountCodeServiceForTest(t *testing.T, repo *stubDiscountCodeRepository, now time.Time) DiscountCodeService {
	t.Helper()
	svc, err := NewDiscountCodeService(DiscountCodeServiceDeps{
		Codes: repo,
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewDiscountCodeService: %v", err)
	}
	return svc
}

func TestDiscountCodeService_ValidateCode(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	repo := &stubDiscountCodeRepository{codes: map[string]domain.DiscountCode{
		"SAVE50":   {Code: "SAVE50", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(50), Active: true},
		"TENOFF":   {Code: "TENOFF", Kind: domain.DiscountCodePercentOff, Percent: decimal.NewFromInt(10), Active: true},
		"HUGE":     {Code: "HUGE", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(5000), Active: true},
		"OFF":      {Code: "OFF", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(10), Active: false},
		"SOON":     {Code: "SOON", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(10), Active: true, StartsAt: &future},
		"OLD":      {Code: "OLD", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(10), Active: true, EndsAt: &past},
		"BIGSPEND": {Code: "BIGSPEND", Kind: domain.DiscountCodeAmountOff, Amount: decimal.NewFromInt(10), Active: true, MinimumBase: decimal.NewFromInt(500)},
	}}
	svc := newDiscountCodeServiceForTest(t, repo, now)
	base := decimal.NewFromInt(350)

	cases := []struct {
		code     string
		valid    bool
		final    int64
		message  string
		normCode string
	}{
		{code: " save50 ", valid: true, final: 300, message: discountMessageApplied, normCode: "SAVE50"},
		{code: "tenoff", valid: true, final: 315, message: discountMessageApplied, normCode: "TENOFF"},
		{code: "huge", valid: true, final: 0, message: discountMessageApplied, normCode: "HUGE"},
		{code: "off", valid: false, final: 350, message: discountMessageInactive, normCode: "OFF"},
		{code: "soon", valid: false, final: 350, message: discountMessageNotStarted, normCode: "SOON"},
		{code: "old", valid: false, final: 350, message: discountMessageExpired, normCode: "OLD"},
		{code: "bigspend", valid: false, final: 350, message: discountMessageMinimumBase, normCode: "BIGSPEND"},
		{code: "missing", valid: false, final: 350, message: discountMessageUnknown, normCode: "MISSING"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			result, err := svc.ValidateCode(context.Background(), ValidateDiscountCodeCommand{Code: tc.code, BasePrice: base})
			if err != nil {
				t.Fatalf("ValidateCode: %v", err)
			}
			if result.Valid != tc.valid {
				t.Fatalf("expected valid=%v, got %+v", tc.valid, result)
			}
			if !result.FinalAmount.Equal(decimal.NewFromInt(tc.final)) {
				t.Fatalf("expected final %d, got %s", tc.final, result.FinalAmount)
			}
			if result.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, result.Message)
			}
			if result.Code != tc.normCode {
				t.Fatalf("expected normalised code %q, got %q", tc.normCode, result.Code)
			}
		})
	}
}

func TestDiscountCodeService_ValidateCodeErrors(t *testing.T) {
	svc := newDiscountCodeServiceForTest(t, &stubDiscountCodeRepository{}, time.Now())
	if _, err := svc.ValidateCode(context.Background(), ValidateDiscountCodeCommand{Code: "  ", BasePrice: decimal.NewFromInt(10)}); !errors.Is(err, ErrDiscountCodeInvalidInput) {
		t.Fatalf("expected invalid input for empty code, got %v", err)
	}
	if _, err := svc.ValidateCode(context.Background(), ValidateDiscountCodeCommand{Code: "SAVE", BasePrice: decimal.Zero}); !errors.Is(err, ErrDiscountCodeInvalidInput) {
		t.Fatalf("expected invalid input for zero base, got %v", err)
	}

	failing := newDiscountCodeServiceForTest(t, &stubDiscountCodeRepository{err: stubRepoError{unavailable: true}}, time.Now())
	if _, err := failing.ValidateCode(context.Background(), ValidateDiscountCodeCommand{Code: "SAVE", BasePrice: decimal.NewFromInt(10)}); !errors.Is(err, ErrDiscountCodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
