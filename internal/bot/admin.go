package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"marketbot/internal/models"
	"marketbot/internal/store"

	"github.com/shopspring/decimal"
	"gopkg.in/telebot.v3"
)

const (
	usageCredit   = "Usage: /credit <user_id> <amount>"
	usageReseller = "Usage: /reseller <user_id> <product_type> <percent>"
	usageAddCode  = "Usage: /addcode <CODE> <percentage|fixed> <value> [max_uses] [min_order]"
)

var errUsage = errors.New("bad arguments")

func parseUserAmount(userArg, amountArg string) (int64, decimal.Decimal, error) {
	userID, err := strconv.ParseInt(userArg, 10, 64)
	if err != nil {
		return 0, decimal.Zero, errUsage
	}
	amount, err := decimal.NewFromString(amountArg)
	if err != nil {
		return 0, decimal.Zero, errUsage
	}
	return userID, amount, nil
}

// parseCodeArgs builds a discount code from /addcode arguments. A zero
// max_uses or min_order means no limit.
func parseCodeArgs(args []string) (*models.DiscountCode, error) {
	if len(args) < 3 || len(args) > 5 {
		return nil, errUsage
	}

	code := &models.DiscountCode{
		Code:         store.NormalizeCode(args[0]),
		DiscountType: models.DiscountType(strings.ToLower(args[1])),
		IsActive:     true,
	}
	if code.Code == "" {
		return nil, errUsage
	}

	value, err := decimal.NewFromString(args[2])
	if err != nil || !value.IsPositive() {
		return nil, fmt.Errorf("%w: value must be a positive number", errUsage)
	}
	code.Value = value

	switch code.DiscountType {
	case models.DiscountTypePercentage:
		if value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("%w: percentage above 100", errUsage)
		}
	case models.DiscountTypeFixed:
	default:
		return nil, fmt.Errorf("%w: type must be percentage or fixed", errUsage)
	}

	if len(args) > 3 {
		maxUses, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || maxUses < 0 {
			return nil, fmt.Errorf("%w: max_uses must be a whole number", errUsage)
		}
		code.MaxUses = sql.NullInt64{Int64: maxUses, Valid: maxUses > 0}
	}
	if len(args) > 4 {
		minOrder, err := decimal.NewFromString(args[4])
		if err != nil || minOrder.IsNegative() {
			return nil, fmt.Errorf("%w: min_order must be a number", errUsage)
		}
		code.MinOrderAmount = decimal.NullDecimal{Decimal: minOrder, Valid: minOrder.IsPositive()}
	}
	return code, nil
}

func usageText(err error, usage string) string {
	msg := strings.TrimPrefix(strings.TrimPrefix(err.Error(), errUsage.Error()), ": ")
	if msg == "" {
		return usage
	}
	return "❌ " + msg + "\n" + usage
}

func (b *Bot) onCredit(ctx context.Context, c telebot.Context, _ int64) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send(usageCredit)
	}
	userID, amount, err := parseUserAmount(args[0], args[1])
	if err != nil {
		return c.Send(usageCredit)
	}

	if err := b.deps.Accounts.CreditBalance(ctx, userID, amount); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return c.Send("❌ Unknown user.")
		}
		return b.fail(c, userID, "admin_credit", err)
	}

	user, err := b.deps.Accounts.GetUser(ctx, userID)
	if err != nil {
		return b.fail(c, userID, "admin_credit", err)
	}
	return c.Send(fmt.Sprintf("✅ Credited %s to %d. Balance: %s",
		money(amount, b.opts.Currency), userID, money(user.Balance, b.opts.Currency)))
}

func (b *Bot) onReseller(ctx context.Context, c telebot.Context, _ int64) error {
	args := c.Args()
	if len(args) != 3 {
		return c.Send(usageReseller)
	}
	userID, pct, err := parseUserAmount(args[0], args[2])
	if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return c.Send(usageReseller)
	}

	if err := b.deps.Accounts.SetResellerDiscount(ctx, userID, args[1], pct); err != nil {
		return b.fail(c, userID, "admin_reseller", err)
	}
	return c.Send(fmt.Sprintf("✅ Reseller discount for %d on %s set to %s%%.", userID, args[1], pct.String()))
}

func (b *Bot) onAddCode(ctx context.Context, c telebot.Context, adminID int64) error {
	code, err := parseCodeArgs(c.Args())
	if err != nil {
		return c.Send(usageText(err, usageAddCode))
	}

	if err := b.deps.Codes.CreateDiscountCode(ctx, code); err != nil {
		return b.fail(c, adminID, "admin_addcode", err)
	}
	return c.Send(fmt.Sprintf("✅ Code %s created (%s %s).", code.Code, code.DiscountType, code.Value.String()))
}

func (b *Bot) onCodeUsage(ctx context.Context, c telebot.Context, adminID int64) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /codeusage <CODE>")
	}

	usage, err := b.deps.Codes.ListDiscountUsage(ctx, args[0])
	if err != nil {
		return b.fail(c, adminID, "admin_codeusage", err)
	}
	return c.Send(RenderCodeUsage(store.NormalizeCode(args[0]), usage, b.opts.Currency))
}

func (b *Bot) onUser(ctx context.Context, c telebot.Context, adminID int64) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /user <user_id>")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send("Usage: /user <user_id>")
	}

	user, err := b.deps.Accounts.GetUser(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return c.Send("❌ Unknown user.")
	}
	if err != nil {
		return b.fail(c, adminID, "admin_user", err)
	}
	holds, err := b.deps.Accounts.CountHolds(ctx, userID)
	if err != nil {
		return b.fail(c, adminID, "admin_user", err)
	}
	return c.Send(fmt.Sprintf("👤 %d\nBalance: %s\nPurchases: %d\nHolds: %d\nSince: %s",
		user.UserID, money(user.Balance, b.opts.Currency), user.TotalPurchases, holds, user.CreatedAt.Format("2006-01-02")))
}
