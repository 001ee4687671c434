package bot

import (
	"strconv"

	"marketbot/internal/service"
	"marketbot/internal/store"

	"gopkg.in/telebot.v3"
)

// Callback uniques
const (
	btnShop                 = "shop"
	btnAdd                  = "add"
	btnViewBasket           = "view_basket"
	btnRemove               = "remove"
	btnClearBasket          = "clear_basket"
	btnApplyDiscountStart   = "apply_discount_start"
	btnRemoveDiscount       = "remove_discount"
	btnConfirmPay           = "confirm_pay"
	btnApplyDiscountPending = "apply_discount_pending"
	btnPayCrypto            = "skip_discount_basket_pay"
	btnPaySingle            = "pay_single"
	btnApplySingleDiscount  = "apply_single_discount"
	btnCancelPending        = "cancel_pending"
	btnHistory              = "history"
)

func button(unique, text string, data ...int64) telebot.InlineButton {
	btn := telebot.InlineButton{Unique: unique, Text: text}
	if len(data) > 0 {
		btn.Data = strconv.FormatInt(data[0], 10)
	}
	return btn
}

func inline(rows ...[]telebot.InlineButton) *telebot.ReplyMarkup {
	return &telebot.ReplyMarkup{InlineKeyboard: rows}
}

func mainMenu() *telebot.ReplyMarkup {
	return inline(
		[]telebot.InlineButton{button(btnShop, "🏪 Shop"), button(btnViewBasket, "🛒 Basket")},
		[]telebot.InlineButton{button(btnHistory, "📜 History")},
	)
}

func catalogMenu(buckets []store.BucketSummary) *telebot.ReplyMarkup {
	rows := make([][]telebot.InlineButton, 0, len(buckets)+1)
	for i, bucket := range buckets {
		n := strconv.Itoa(i + 1)
		rows = append(rows, []telebot.InlineButton{
			button(btnAdd, "🛒 Add #"+n, bucket.SampleID),
			button(btnPaySingle, "⚡ Buy #"+n, bucket.SampleID),
			button(btnApplySingleDiscount, "🏷️ #"+n, bucket.SampleID),
		})
	}
	rows = append(rows, []telebot.InlineButton{button(btnViewBasket, "🛒 Basket")})
	return inline(rows...)
}

func basketMenu(view *service.BasketView) *telebot.ReplyMarkup {
	if view.Empty() {
		return inline([]telebot.InlineButton{button(btnShop, "🏪 Shop")})
	}

	rows := make([][]telebot.InlineButton, 0, len(view.Lines)+3)
	for i, line := range view.Lines {
		rows = append(rows, []telebot.InlineButton{
			button(btnRemove, "❌ Remove #"+strconv.Itoa(i+1), line.EntryID),
		})
	}
	if view.Totals.Discount != nil {
		rows = append(rows, []telebot.InlineButton{button(btnRemoveDiscount, "✖️ Remove Discount Code")})
	} else {
		rows = append(rows, []telebot.InlineButton{button(btnApplyDiscountStart, "🏷️ Apply Discount Code")})
	}
	rows = append(rows,
		[]telebot.InlineButton{button(btnConfirmPay, "💰 Pay Now")},
		[]telebot.InlineButton{button(btnClearBasket, "🗑️ Clear Basket"), button(btnShop, "🏪 Shop")},
	)
	return inline(rows...)
}

func pendingMenu() *telebot.ReplyMarkup {
	return inline(
		[]telebot.InlineButton{button(btnPayCrypto, "💳 Pay with Crypto")},
		[]telebot.InlineButton{button(btnApplyDiscountPending, "🏷️ Apply Discount Code")},
		[]telebot.InlineButton{button(btnCancelPending, "✖️ Cancel"), button(btnViewBasket, "⬅️ Back to Basket")},
	)
}

func invoiceMenu(url string) *telebot.ReplyMarkup {
	return inline(
		[]telebot.InlineButton{{Text: "💳 Open Invoice", URL: url}},
		[]telebot.InlineButton{button(btnCancelPending, "✖️ Cancel")},
	)
}

func singleMenu(unitID int64) *telebot.ReplyMarkup {
	return inline([]telebot.InlineButton{
		button(btnPaySingle, "⚡ Buy now", unitID),
		button(btnShop, "⬅️ Back"),
	})
}
