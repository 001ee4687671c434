package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/store"
	"marketbot/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// DiscountResult is a successful code evaluation
type DiscountResult struct {
	Code           string              `json:"code"`
	Type           models.DiscountType `json:"type"`
	Value          decimal.Decimal     `json:"value"`
	DiscountAmount decimal.Decimal     `json:"discount_amount"`
	FinalTotal     decimal.Decimal     `json:"final_total"`
}

// EvaluateDiscount checks a code against base and computes the discount.
// It is pure: the same code state, base and now always give the same result.
func EvaluateDiscount(code *models.DiscountCode, base decimal.Decimal, now time.Time) (*DiscountResult, error) {
	return evaluate(code, base, now, true)
}

func evaluate(code *models.DiscountCode, base decimal.Decimal, now time.Time, checkCap bool) (*DiscountResult, error) {
	if !code.IsActive {
		return nil, ErrCodeInactive
	}
	if code.ExpiryDate.Valid && code.ExpiryDate.Time.Before(now) {
		return nil, ErrCodeExpired
	}
	if checkCap && code.MaxUses.Valid && code.UsesCount >= code.MaxUses.Int64 {
		return nil, ErrLimitReached
	}
	if code.MinOrderAmount.Valid && base.LessThan(code.MinOrderAmount.Decimal) {
		return nil, ErrMinOrderNotMet
	}

	var discount decimal.Decimal
	switch code.DiscountType {
	case models.DiscountTypePercentage:
		discount = base.Mul(code.Value).Div(hundred)
	case models.DiscountTypeFixed:
		discount = code.Value
	default:
		return nil, fmt.Errorf("%w: %q", ErrInternalType, code.DiscountType)
	}

	discount = decimal.Max(decimal.Zero, decimal.Min(discount, base)).Truncate(2)
	final := decimal.Max(decimal.Zero, base.Sub(discount))

	return &DiscountResult{
		Code:           code.Code,
		Type:           code.DiscountType,
		Value:          code.Value,
		DiscountAmount: discount,
		FinalTotal:     final,
	}, nil
}

// DiscountService validates general discount codes
type DiscountService struct {
	store  DiscountStore
	now    func() time.Time
	logger *zap.Logger
}

// NewDiscountService creates a new discount service
func NewDiscountService(store DiscountStore) *DiscountService {
	return &DiscountService{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Validate re-checks a code against base without consuming it
func (d *DiscountService) Validate(ctx context.Context, code string, base decimal.Decimal) (*DiscountResult, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.Validate")
	defer span.End()

	return d.validate(ctx, code, base, true)
}

// Revalidate re-checks a code the caller already consumed with ApplyAtomic.
// The usage cap is skipped since that use is already counted in it.
func (d *DiscountService) Revalidate(ctx context.Context, code string, base decimal.Decimal) (*DiscountResult, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.Revalidate")
	defer span.End()

	return d.validate(ctx, code, base, false)
}

func (d *DiscountService) validate(ctx context.Context, code string, base decimal.Decimal, checkCap bool) (*DiscountResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNoCode
	}

	dc, err := d.store.GetDiscountCode(ctx, code)
	if errors.Is(err, store.ErrCodeMissing) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discount code: %w", err)
	}

	res, err := evaluate(dc, base, d.now().UTC(), checkCap)
	d.logInternalType(err, dc.Code)
	return res, err
}

// ApplyAtomic validates and consumes a code in one transaction. Codes are
// reusable per user while the global budget lasts.
func (d *DiscountService) ApplyAtomic(ctx context.Context, code string, base decimal.Decimal, userID int64) (*DiscountResult, error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.ApplyAtomic")
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNoCode
	}

	now := d.now().UTC()
	var res *DiscountResult
	dc, _, err := d.store.ApplyDiscountCode(ctx, code, userID, now, func(locked *models.DiscountCode) (decimal.Decimal, error) {
		r, err := EvaluateDiscount(locked, base, now)
		if err != nil {
			return decimal.Zero, err
		}
		res = r
		return r.DiscountAmount, nil
	})

	switch {
	case err == nil:
		util.DiscountApplicationsTotal.WithLabelValues("applied").Inc()
		d.logger.Info("Discount code applied",
			zap.Int64("user_id", userID),
			zap.String("code", dc.Code),
			zap.String("discount", res.DiscountAmount.StringFixed(2)))
		return res, nil
	case errors.Is(err, store.ErrCodeMissing):
		err = ErrCodeNotFound
	case errors.Is(err, store.ErrUsesExhausted):
		err = ErrLimitReached
	case IsCodeInvalid(err):
	default:
		util.DiscountApplicationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to apply discount code: %w", err)
	}

	util.DiscountApplicationsTotal.WithLabelValues("rejected").Inc()
	if dc != nil {
		d.logInternalType(err, dc.Code)
	}
	return nil, err
}

func (d *DiscountService) logInternalType(err error, code string) {
	if errors.Is(err, ErrInternalType) {
		d.logger.Error("Discount code has unknown type", zap.String("code", code), zap.Error(err))
	}
}
