package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/platform/textutil"
	"github.com/warrantyfunnel/api/internal/repositories"
)

var (
	// ErrDiscountCodeInvalidInput indicates the code or base price is missing.
	ErrDiscountCodeInvalidInput = errors.New("discount code: invalid input")
	// ErrDiscountCodeUnavailable indicates the code store could not be consulted.
	ErrDiscountCodeUnavailable = errors.New("discount code: unavailable")
)

const (
	discountMessageApplied     = "Discount applied"
	discountMessageUnknown     = "This discount code is not recognised"
	discountMessageInactive    = "This discount code is no longer active"
	discountMessageNotStarted  = "This discount code is not active yet"
	discountMessageExpired     = "This discount code has expired"
	discountMessageMinimumBase = "This discount code does not apply to the selected plan"
)

var hundredPercent = decimal.NewFromInt(100)

// DiscountCodeServiceDeps wires the discount code service.
type DiscountCodeServiceDeps struct {
	Codes  repositories.DiscountCodeRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type discountCodeService struct {
	codes  repositories.DiscountCodeRepository
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

var _ DiscountCodeService = (*discountCodeService)(nil)

// NewDiscountCodeService constructs a DiscountCodeService backed by the code repository.
func NewDiscountCodeService(deps DiscountCodeServiceDeps) (DiscountCodeService, error) {
	if deps.Codes == nil {
		return nil, errors.New("discount code service: code repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &discountCodeService{
		codes: deps.Codes,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ValidateCode returns the verdict for the code against the base price. Rejections are
// reported through Valid=false; errors are reserved for bad input and store failures.
func (s *discountCodeService) ValidateCode(ctx context.Context, cmd ValidateDiscountCodeCommand) (domain.ManualCodeResult, error) {
	code := textutil.NormalizeCode(cmd.Code)
	if code == "" || !cmd.BasePrice.IsPositive() {
		return domain.ManualCodeResult{}, ErrDiscountCodeInvalidInput
	}
	rejected := func(message string) domain.ManualCodeResult {
		return domain.ManualCodeResult{
			Code:           code,
			Valid:          false,
			Message:        message,
			DiscountAmount: decimal.Zero,
			FinalAmount:    cmd.BasePrice,
		}
	}

	discount, err := s.codes.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return rejected(discountMessageUnknown), nil
		}
		s.logger(ctx, "discount_code.lookup_failed", map[string]any{
			"code":  code,
			"error": err.Error(),
		})
		return domain.ManualCodeResult{}, errors.Join(ErrDiscountCodeUnavailable, err)
	}

	now := s.now()
	switch {
	case !discount.Active:
		return rejected(discountMessageInactive), nil
	case discount.StartsAt != nil && now.Before(*discount.StartsAt):
		return rejected(discountMessageNotStarted), nil
	case discount.EndsAt != nil && !now.Before(*discount.EndsAt):
		return rejected(discountMessageExpired), nil
	case discount.MinimumBase.IsPositive() && cmd.BasePrice.LessThan(discount.MinimumBase):
		return rejected(discountMessageMinimumBase), nil
	}

	var amount decimal.Decimal
	switch discount.Kind {
	case domain.DiscountCodeAmountOff:
		amount = discount.Amount
	case domain.DiscountCodePercentOff:
		percent := decimal.Min(decimal.Max(discount.Percent, decimal.Zero), hundredPercent)
		amount = cmd.BasePrice.Mul(percent).Div(hundredPercent)
	default:
		s.logger(ctx, "discount_code.unknown_kind", map[string]any{
			"code": code,
			"kind": string(discount.Kind),
		})
		return rejected(discountMessageUnknown), nil
	}
	amount = decimal.Min(decimal.Max(amount, decimal.Zero), cmd.BasePrice)

	return domain.ManualCodeResult{
		Code:           code,
		Valid:          true,
		Message:        discountMessageApplied,
		DiscountAmount: amount,
		FinalAmount:    cmd.BasePrice.Sub(amount),
	}, nil
}
