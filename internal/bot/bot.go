// Package bot is the Telegram surface of the marketplace.
package bot

import (
	"context"
	"fmt"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/service"
	"marketbot/internal/session"
	"marketbot/internal/store"
	"marketbot/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

const (
	updateTimeout = 10 * time.Second
	catalogLimit  = 20
)

// Reservations is the basket side of the bot
type Reservations interface {
	ResolveBucket(ctx context.Context, unitID int64) (models.UnitQuery, error)
	AddToBasket(ctx context.Context, userID int64, q models.UnitQuery) (*service.ClaimResult, error)
	RemoveFromBasket(ctx context.Context, userID, entryID int64) (*service.RemovalResult, error)
	ClearBasket(ctx context.Context, userID int64) (int, error)
	Basket(ctx context.Context, userID int64) (*service.BasketView, error)
	ApplyBasketCode(ctx context.Context, userID int64, code string) (*service.BasketView, error)
	RemoveBasketCode(userID int64)
}

// Checkout is the payment side of the bot
type Checkout interface {
	ConfirmBasket(ctx context.Context, userID int64) (*service.CheckoutResult, error)
	PaySingleItem(ctx context.Context, userID int64, q models.UnitQuery) (*service.CheckoutResult, error)
	PreApplyCode(ctx context.Context, userID, unitID int64, code string) (*service.DiscountResult, error)
	ApplyCodeToPending(ctx context.Context, userID int64, code string) (*service.CheckoutResult, error)
	PayWithCrypto(ctx context.Context, userID int64) (*service.CryptoInvoice, error)
	CancelPending(ctx context.Context, userID int64) error
	History(ctx context.Context, userID int64) ([]models.Sale, error)
}

// Catalog lists what can be bought
type Catalog interface {
	ListBuckets(ctx context.Context, limit int) ([]store.BucketSummary, error)
}

// Accounts manages user rows and balances
type Accounts interface {
	EnsureUser(ctx context.Context, userID int64) error
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) error
	SetResellerDiscount(ctx context.Context, userID int64, productType string, pct decimal.Decimal) error
	CountHolds(ctx context.Context, userID int64) (int, error)
}

// Codes manages discount codes
type Codes interface {
	CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error
	ListDiscountUsage(ctx context.Context, code string) ([]models.DiscountUsage, error)
}

// Deps are the services the bot talks to
type Deps struct {
	Reservations Reservations
	Checkout     Checkout
	Catalog      Catalog
	Accounts     Accounts
	Codes        Codes
	Sessions     *session.Store
}

// Options configure the bot
type Options struct {
	Token         string
	PollTimeout   time.Duration
	AdminIDs      []int64
	Currency      string
	BasketTimeout time.Duration
}

type Bot struct {
	tb     *telebot.Bot
	deps   Deps
	admins map[int64]bool
	opts   Options
	logger *zap.Logger
}

// New connects to Telegram and registers all handlers
func New(opts Options, deps Deps) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  opts.Token,
		Poller: &telebot.LongPoller{Timeout: opts.PollTimeout},
		OnError: func(err error, c telebot.Context) {
			util.GetLogger().Error("Telegram update failed", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	admins := make(map[int64]bool, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[id] = true
	}

	b := &Bot{
		tb:     tb,
		deps:   deps,
		admins: admins,
		opts:   opts,
		logger: util.GetLogger(),
	}
	b.register()
	return b, nil
}

// Start polls for updates until Stop is called
func (b *Bot) Start() {
	b.logger.Info("Telegram bot started", zap.String("username", b.tb.Me.Username))
	b.tb.Start()
}

// Stop stops polling
func (b *Bot) Stop() {
	b.tb.Stop()
}

// NotifySale tells the buyer that a background crypto payment completed
func (b *Bot) NotifySale(ctx context.Context, sale *models.Sale) {
	_, err := b.tb.Send(&telebot.User{ID: sale.UserID}, RenderSale(sale, b.opts.Currency), mainMenu())
	if err != nil {
		b.logger.Warn("Failed to notify buyer",
			zap.Int64("user_id", sale.UserID),
			zap.Int64("sale_id", sale.ID),
			zap.Error(err),
		)
	}
}

// ensureUser creates the user row on first contact
func (b *Bot) ensureUser(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		if c.Sender() == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := b.deps.Accounts.EnsureUser(ctx, c.Sender().ID); err != nil {
			b.logger.Error("Failed to ensure user", zap.Int64("user_id", c.Sender().ID), zap.Error(err))
			return c.Send(genericError)
		}
		return next(c)
	}
}

func (b *Bot) adminOnly(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		if !b.admins[c.Sender().ID] {
			return c.Send("❌ Admin only.")
		}
		return next(c)
	}
}

// handler is a bot endpoint with a bounded context
type handler func(ctx context.Context, c telebot.Context, userID int64) error

func (b *Bot) handle(endpoint interface{}, name string, h handler, m ...telebot.MiddlewareFunc) {
	b.tb.Handle(endpoint, func(c telebot.Context) error {
		util.BotUpdatesTotal.WithLabelValues(name).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
		defer cancel()

		ctx, span := util.StartSpan(ctx, "bot."+name)
		defer span.End()

		return h(ctx, c, c.Sender().ID)
	}, m...)
}

func (b *Bot) register() {
	b.tb.Use(b.ensureUser)

	b.handle("/start", "start", b.onStart)
	b.handle("/shop", "shop", b.onShop)
	b.handle("/basket", "basket", b.onBasket)
	b.handle("/history", "history", b.onHistory)

	b.handle(&telebot.InlineButton{Unique: btnShop}, btnShop, b.onShop)
	b.handle(&telebot.InlineButton{Unique: btnHistory}, btnHistory, b.onHistory)
	b.handle(&telebot.InlineButton{Unique: btnAdd}, btnAdd, b.onAdd)
	b.handle(&telebot.InlineButton{Unique: btnViewBasket}, btnViewBasket, b.onBasket)
	b.handle(&telebot.InlineButton{Unique: btnRemove}, btnRemove, b.onRemove)
	b.handle(&telebot.InlineButton{Unique: btnClearBasket}, btnClearBasket, b.onClearBasket)
	b.handle(&telebot.InlineButton{Unique: btnApplyDiscountStart}, btnApplyDiscountStart, b.onApplyDiscountStart)
	b.handle(&telebot.InlineButton{Unique: btnRemoveDiscount}, btnRemoveDiscount, b.onRemoveDiscount)
	b.handle(&telebot.InlineButton{Unique: btnConfirmPay}, btnConfirmPay, b.onConfirmPay)
	b.handle(&telebot.InlineButton{Unique: btnApplyDiscountPending}, btnApplyDiscountPending, b.onApplyDiscountPending)
	b.handle(&telebot.InlineButton{Unique: btnPayCrypto}, btnPayCrypto, b.onPayCrypto)
	b.handle(&telebot.InlineButton{Unique: btnPaySingle}, btnPaySingle, b.onPaySingle)
	b.handle(&telebot.InlineButton{Unique: btnApplySingleDiscount}, btnApplySingleDiscount, b.onApplySingleDiscount)
	b.handle(&telebot.InlineButton{Unique: btnCancelPending}, btnCancelPending, b.onCancelPending)

	b.handle(telebot.OnText, "text", b.onText)

	b.handle("/credit", "admin_credit", b.onCredit, b.adminOnly)
	b.handle("/reseller", "admin_reseller", b.onReseller, b.adminOnly)
	b.handle("/addcode", "admin_addcode", b.onAddCode, b.adminOnly)
	b.handle("/codeusage", "admin_codeusage", b.onCodeUsage, b.adminOnly)
	b.handle("/user", "admin_user", b.onUser, b.adminOnly)
}
