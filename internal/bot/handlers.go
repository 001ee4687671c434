package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"marketbot/internal/service"
	"marketbot/internal/session"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

// reply edits the message behind a callback, or sends a new one for commands
func (b *Bot) reply(c telebot.Context, text string, markup *telebot.ReplyMarkup) error {
	var opts []interface{}
	if markup != nil {
		opts = append(opts, markup)
	}
	if c.Callback() == nil {
		return c.Send(text, opts...)
	}

	if err := c.Respond(); err != nil {
		b.logger.Debug("Failed to answer callback",
			zap.Int64("user_id", c.Sender().ID),
			zap.Error(err))
	}
	err := c.Edit(text, opts...)
	if errors.Is(err, telebot.ErrSameMessageContent) {
		return nil
	}
	return err
}

func (b *Bot) fail(c telebot.Context, userID int64, op string, err error) error {
	if !service.IsUserFacing(err) {
		b.logger.Error("Bot operation failed",
			zap.String("op", op),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}

	if c.Callback() != nil {
		return c.Respond(&telebot.CallbackResponse{Text: ErrorText(err), ShowAlert: true})
	}
	return c.Send(ErrorText(err))
}

func callbackID(c telebot.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Data(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad callback data %q: %w", c.Data(), err)
	}
	return id, nil
}

func (b *Bot) onStart(ctx context.Context, c telebot.Context, userID int64) error {
	b.deps.Sessions.SetState(userID, session.StateIdle)
	return c.Send("👋 Welcome! Browse the shop, fill your basket and pay from your balance or with crypto.", mainMenu())
}

func (b *Bot) onShop(ctx context.Context, c telebot.Context, userID int64) error {
	buckets, err := b.deps.Catalog.ListBuckets(ctx, catalogLimit)
	if err != nil {
		return b.fail(c, userID, "shop", err)
	}
	return b.reply(c, RenderCatalog(buckets, b.opts.Currency), catalogMenu(buckets))
}

func (b *Bot) onHistory(ctx context.Context, c telebot.Context, userID int64) error {
	sales, err := b.deps.Checkout.History(ctx, userID)
	if err != nil {
		return b.fail(c, userID, "history", err)
	}
	return b.reply(c, RenderHistory(sales, b.opts.Currency), mainMenu())
}

func (b *Bot) onAdd(ctx context.Context, c telebot.Context, userID int64) error {
	unitID, err := callbackID(c)
	if err != nil {
		return b.fail(c, userID, "add", err)
	}
	q, err := b.deps.Reservations.ResolveBucket(ctx, unitID)
	if err != nil {
		return b.fail(c, userID, "add", err)
	}

	res, err := b.deps.Reservations.AddToBasket(ctx, userID, q)
	if err != nil {
		return b.fail(c, userID, "add", err)
	}

	text := fmt.Sprintf("✅ Item Reserved!\n\n%s is in your basket for %d minutes! ⏳\nBasket: %d item(s)",
		itemLabel(res.Item), int(b.opts.BasketTimeout.Minutes()), res.BasketSize)
	return b.reply(c, text, inline(
		[]telebot.InlineButton{button(btnViewBasket, "🛒 Basket"), button(btnShop, "🏪 Continue Shopping")},
	))
}

func (b *Bot) showBasket(ctx context.Context, c telebot.Context, userID int64, dropped error) error {
	view, err := b.deps.Reservations.Basket(ctx, userID)
	if err != nil {
		return b.fail(c, userID, "basket", err)
	}
	if view.DroppedCode == nil {
		view.DroppedCode = dropped
	}
	return b.reply(c, RenderBasket(view, b.opts.Currency), basketMenu(view))
}

func (b *Bot) onBasket(ctx context.Context, c telebot.Context, userID int64) error {
	return b.showBasket(ctx, c, userID, nil)
}

func (b *Bot) onRemove(ctx context.Context, c telebot.Context, userID int64) error {
	entryID, err := callbackID(c)
	if err != nil {
		return b.fail(c, userID, "remove", err)
	}

	res, err := b.deps.Reservations.RemoveFromBasket(ctx, userID, entryID)
	if err != nil {
		return b.fail(c, userID, "remove", err)
	}
	return b.showBasket(ctx, c, userID, res.DroppedCode)
}

func (b *Bot) onClearBasket(ctx context.Context, c telebot.Context, userID int64) error {
	if _, err := b.deps.Reservations.ClearBasket(ctx, userID); err != nil {
		return b.fail(c, userID, "clear_basket", err)
	}
	return b.reply(c, "🗑️ Your basket was cleared.", mainMenu())
}

func (b *Bot) onApplyDiscountStart(ctx context.Context, c telebot.Context, userID int64) error {
	b.deps.Sessions.SetState(userID, session.StateAwaitingBasketCode)
	return b.reply(c, "🏷️ Send me your discount code.", inline(
		[]telebot.InlineButton{button(btnViewBasket, "⬅️ Back to Basket")},
	))
}

func (b *Bot) onRemoveDiscount(ctx context.Context, c telebot.Context, userID int64) error {
	b.deps.Reservations.RemoveBasketCode(userID)
	return b.showBasket(ctx, c, userID, nil)
}

func (b *Bot) showCheckout(c telebot.Context, res *service.CheckoutResult, prefix string) error {
	markup := mainMenu()
	if res.Status == service.CheckoutAwaitingPayment {
		markup = pendingMenu()
	}
	return b.reply(c, prefix+RenderCheckout(res, b.opts.Currency), markup)
}

func (b *Bot) onConfirmPay(ctx context.Context, c telebot.Context, userID int64) error {
	res, err := b.deps.Checkout.ConfirmBasket(ctx, userID)
	if err != nil {
		return b.fail(c, userID, "confirm_pay", err)
	}
	return b.showCheckout(c, res, "")
}

func (b *Bot) onApplyDiscountPending(ctx context.Context, c telebot.Context, userID int64) error {
	if b.deps.Sessions.Get(userID).Pending == nil {
		return b.fail(c, userID, "apply_discount_pending", service.ErrNoPendingPayment)
	}
	b.deps.Sessions.SetState(userID, session.StateAwaitingPendingCode)
	return b.reply(c, "🏷️ Send me your discount code.", nil)
}

func (b *Bot) onPayCrypto(ctx context.Context, c telebot.Context, userID int64) error {
	inv, err := b.deps.Checkout.PayWithCrypto(ctx, userID)
	if err != nil {
		return b.fail(c, userID, "pay_crypto", err)
	}
	return b.reply(c, RenderInvoice(inv, b.opts.Currency), invoiceMenu(inv.URL))
}

func (b *Bot) onPaySingle(ctx context.Context, c telebot.Context, userID int64) error {
	unitID, err := callbackID(c)
	if err != nil {
		return b.fail(c, userID, "pay_single", err)
	}
	q, err := b.deps.Reservations.ResolveBucket(ctx, unitID)
	if err != nil {
		return b.fail(c, userID, "pay_single", err)
	}

	res, err := b.deps.Checkout.PaySingleItem(ctx, userID, q)
	if err != nil {
		return b.fail(c, userID, "pay_single", err)
	}
	return b.showCheckout(c, res, "")
}

func (b *Bot) onApplySingleDiscount(ctx context.Context, c telebot.Context, userID int64) error {
	unitID, err := callbackID(c)
	if err != nil {
		return b.fail(c, userID, "apply_single_discount", err)
	}

	b.deps.Sessions.Update(userID, func(s *session.Session) {
		s.State = session.StateAwaitingSingleCode
		s.SingleUnitID = unitID
	})
	return b.reply(c, "🏷️ Send me the discount code for this item.", inline(
		[]telebot.InlineButton{button(btnShop, "⬅️ Back")},
	))
}

func (b *Bot) onCancelPending(ctx context.Context, c telebot.Context, userID int64) error {
	if err := b.deps.Checkout.CancelPending(ctx, userID); err != nil {
		return b.fail(c, userID, "cancel_pending", err)
	}
	return b.reply(c, "✖️ Payment cancelled.", mainMenu())
}

// onText routes free text by the step the chat is waiting on
func (b *Bot) onText(ctx context.Context, c telebot.Context, userID int64) error {
	sess := b.deps.Sessions.Get(userID)
	b.deps.Sessions.SetState(userID, session.StateIdle)
	text := c.Text()

	switch sess.State {
	case session.StateAwaitingBasketCode:
		view, err := b.deps.Reservations.ApplyBasketCode(ctx, userID, text)
		if err != nil && !(service.IsCodeInvalid(err) && view != nil) {
			return b.fail(c, userID, "apply_basket_code", err)
		}
		prefix := ""
		if err != nil {
			prefix = "🏷️ " + CodeReason(err) + "\n\n"
		}
		return c.Send(prefix+RenderBasket(view, b.opts.Currency), basketMenu(view))

	case session.StateAwaitingPendingCode:
		res, err := b.deps.Checkout.ApplyCodeToPending(ctx, userID, text)
		if err != nil && !(service.IsCodeInvalid(err) && res != nil) {
			return b.fail(c, userID, "apply_pending_code", err)
		}
		prefix := ""
		if err != nil {
			prefix = "🏷️ " + CodeReason(err) + "\n\n"
		}
		return b.showCheckout(c, res, prefix)

	case session.StateAwaitingSingleCode:
		res, err := b.deps.Checkout.PreApplyCode(ctx, userID, sess.SingleUnitID, text)
		if err != nil {
			return b.fail(c, userID, "pre_apply_code", err)
		}
		return c.Send(RenderPreApplied(res, b.opts.Currency), singleMenu(sess.SingleUnitID))
	}

	return c.Send("Use the menu below.", mainMenu())
}
