package bot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/telebot.v3"
)

// callbackContext answers only what reply touches on a button press
type callbackContext struct {
	telebot.Context
	respondErr error
	editErr    error
	edited     string
	sent       string
}

func (c *callbackContext) Callback() *telebot.Callback {
	return &telebot.Callback{ID: "cb-1"}
}

func (c *callbackContext) Sender() *telebot.User {
	return &telebot.User{ID: 100}
}

func (c *callbackContext) Respond(...*telebot.CallbackResponse) error {
	return c.respondErr
}

func (c *callbackContext) Edit(what interface{}, _ ...interface{}) error {
	c.edited = what.(string)
	return c.editErr
}

func (c *callbackContext) Send(what interface{}, _ ...interface{}) error {
	c.sent = what.(string)
	return nil
}

func newObservedBot() (*Bot, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Bot{logger: zap.New(core)}, logs
}

func TestReplyLogsFailedCallbackAnswer(t *testing.T) {
	b, logs := newObservedBot()
	c := &callbackContext{respondErr: errors.New("query is too old")}

	require.NoError(t, b.reply(c, "basket", nil))
	assert.Equal(t, "basket", c.edited)

	entries := logs.FilterMessage("Failed to answer callback").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "query is too old", entries[0].ContextMap()["error"])
}

func TestReplyIgnoresUnchangedMessage(t *testing.T) {
	b, logs := newObservedBot()
	c := &callbackContext{editErr: telebot.ErrSameMessageContent}

	assert.NoError(t, b.reply(c, "basket", nil))
	assert.Zero(t, logs.Len())
}
