package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIDF = `<?xml version="1.0"?><presence entity="sip:alice@127.0.0.1"/>`

func TestPublishLifecycle(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	// Начальная публикация несёт тело и не несёт SIP-If-Match
	require.NoError(t, h.Publish(
		WithEvent("presence"),
		WithBody("application/pidf+xml", []byte(testPIDF))))

	tx := ft.lastTx(t)
	assert.Equal(t, MethodPUBLISH, tx.req.Method)
	assert.Equal(t, "presence", tx.req.GetHeader("Event").Value())
	assert.Equal(t, "3600", tx.req.GetHeader("Expires").Value())
	assert.Nil(t, tx.req.GetHeader("SIP-If-Match"))
	assert.Equal(t, []byte(testPIDF), tx.req.Body())

	accepted := respondTo(tx.req, 200, "OK", "")
	accepted.AppendHeader(sip.NewHeader("SIP-ETag", "tag-a"))
	accepted.AppendHeader(sip.NewHeader("Expires", "1800"))
	tx.responses <- accepted

	ev := waitEventKind(t, events, EventPublish)
	assert.Equal(t, 200, ev.Status)

	// Обновление ссылается на выданный ETag
	require.NoError(t, h.Publish(
		WithEvent("presence"),
		WithBody("application/pidf+xml", []byte(testPIDF))))

	update := ft.waitTxCount(t, 2)
	ifMatch := update.req.GetHeader("SIP-If-Match")
	require.NotNil(t, ifMatch)
	assert.Equal(t, "tag-a", ifMatch.Value())

	// 412: сервер забыл ETag, транзакция повторяется как начальная
	update.responses <- respondTo(update.req, StatusConditionalRequestFailed,
		"Conditional Request Failed", "")

	retry := ft.waitTxCount(t, 3)
	assert.Nil(t, retry.req.GetHeader("SIP-If-Match"))
	assert.Equal(t, []byte(testPIDF), retry.req.Body(), "повтор несёт полное состояние")

	refreshed := respondTo(retry.req, 200, "OK", "")
	refreshed.AppendHeader(sip.NewHeader("SIP-ETag", "tag-b"))
	refreshed.AppendHeader(sip.NewHeader("Expires", "1800"))
	retry.responses <- refreshed
	ev = waitEventKind(t, events, EventPublish)
	assert.Equal(t, 200, ev.Status)

	// Снятие публикации: Expires 0 с последним ETag
	require.NoError(t, h.Publish(WithEvent("presence"), WithExpires(0)))

	remove := ft.waitTxCount(t, 4)
	assert.Equal(t, "tag-b", remove.req.GetHeader("SIP-If-Match").Value())
	assert.Equal(t, "0", remove.req.GetHeader("Expires").Value())

	remove.responses <- respondTo(remove.req, 200, "OK", "")
	ev = waitEventKind(t, events, EventPublish)
	assert.Equal(t, 200, ev.Status)
	waitEventKind(t, events, EventShutdown)
}

func TestPublishRefreshAtGrantedExpires(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Publish(
		WithEvent("presence"),
		WithBody("application/pidf+xml", []byte(testPIDF))))

	tx := ft.lastTx(t)
	accepted := respondTo(tx.req, 200, "OK", "")
	accepted.AppendHeader(sip.NewHeader("SIP-ETag", "tag-a"))
	accepted.AppendHeader(sip.NewHeader("Expires", "1800"))
	before := time.Now()
	tx.responses <- accepted
	waitEventKind(t, events, EventPublish)

	// Публикация не теряет силы до истечения выданного интервала,
	// поэтому продление назначается на полный интервал, не на половину
	h.mu.Lock()
	u := h.findUsage(publishUsageName, "presence", "")
	require.NotNil(t, u)
	delay := u.refreshAt.Sub(before)
	h.mu.Unlock()
	assert.InDelta(t, 1800, delay.Seconds(), 5)
}

func TestPublishRejected(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Publish(
		WithEvent("presence"),
		WithBody("application/pidf+xml", []byte(testPIDF))))

	tx := ft.lastTx(t)
	tx.responses <- respondTo(tx.req, 403, "Forbidden", "")

	ev := waitEventKind(t, events, EventPublish)
	assert.Equal(t, 403, ev.Status)
	waitEventKind(t, events, EventShutdown)
}

func TestPublishRequiresEvent(t *testing.T) {
	s, ft, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	err := h.Publish(WithBody("application/pidf+xml", []byte(testPIDF)))
	require.Error(t, err)
	assert.Equal(t, "EVENT_REQUIRED", err.(*DialogError).Code)
	assert.Equal(t, 0, ft.txCount())
}
