package dialog

import (
	"strconv"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferTarget() sip.Uri {
	return sip.Uri{User: "carol", Host: "peer.example.com", Port: 5060}
}

func TestReferWithImplicitSubscription(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Refer(WithReferTo(transferTarget())))

	tx := ft.lastTx(t)
	assert.Equal(t, sip.REFER, tx.req.Method)
	referTo := tx.req.GetHeader("Refer-To")
	require.NotNil(t, referTo)
	assert.Contains(t, referTo.Value(), "carol")

	// Дискриминант неявной подписки - CSeq отправленного REFER
	cseq := tx.req.CSeq()
	require.NotNil(t, cseq)
	referID := strconv.FormatUint(uint64(cseq.SeqNo), 10)

	tx.responses <- respondTo(tx.req, 202, "Accepted", "bob-tag")
	ev := waitEventKind(t, events, EventResponse)
	assert.Equal(t, 202, ev.Status)

	// Ход переадресации приходит NOTIFY-ами с телом sipfrag
	progress := incomingRequest(sip.NOTIFY, h.CallID(), "bob-tag", h.LocalTag(), 1)
	progress.AppendHeader(sip.NewHeader("Event", "refer;id="+referID))
	progress.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
	ctype := sip.ContentTypeHeader(sipfragContentType)
	progress.AppendHeader(&ctype)
	progress.SetBody([]byte("SIP/2.0 180 Ringing\r\n"))
	ptx := newFakeServerTx()
	s.onRequest(progress, ptx)

	assert.Equal(t, 200, int(ptx.waitFinal(t).StatusCode))
	ev = waitEventKind(t, events, EventSubscription)
	assert.Equal(t, SubStateActive, ev.SubState)
	require.NotNil(t, ev.Request)
	assert.Equal(t, []byte("SIP/2.0 180 Ringing\r\n"), ev.Request.Body())

	// Финальный NOTIFY закрывает неявную подписку
	final := incomingRequest(sip.NOTIFY, h.CallID(), "bob-tag", h.LocalTag(), 2)
	final.AppendHeader(sip.NewHeader("Event", "refer;id="+referID))
	final.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	final.SetBody([]byte("SIP/2.0 200 OK\r\n"))
	ftx := newFakeServerTx()
	s.onRequest(final, ftx)

	assert.Equal(t, 200, int(ftx.waitFinal(t).StatusCode))
	ev = waitEventKind(t, events, EventSubscription)
	assert.Equal(t, SubStateTerminated, ev.SubState)
	waitEventKind(t, events, EventShutdown)
}

func TestReferRejectedRemovesSubscription(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Refer(WithReferTo(transferTarget())))
	assert.Equal(t, 1, h.UsageCount())

	tx := ft.lastTx(t)
	tx.responses <- respondTo(tx.req, 403, "Forbidden", "bob-tag")

	ev := waitEventKind(t, events, EventResponse)
	assert.Equal(t, 403, ev.Status)
	waitEventKind(t, events, EventShutdown)
	assert.Equal(t, 0, h.UsageCount())
}

func TestReferWithoutSubscription(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Refer(WithReferTo(transferTarget()), WithoutReferSub()))
	assert.Equal(t, 0, h.UsageCount(), "подписка подавлена")

	tx := ft.lastTx(t)
	rs := tx.req.GetHeader("Refer-Sub")
	require.NotNil(t, rs)
	assert.Equal(t, "false", rs.Value())

	tx.responses <- respondTo(tx.req, 202, "Accepted", "bob-tag")
	ev := waitEventKind(t, events, EventResponse)
	assert.Equal(t, 202, ev.Status)
}

func TestReferRequiresTarget(t *testing.T) {
	s, ft, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	err := h.Refer()
	require.Error(t, err)
	assert.Equal(t, "INVALID_TARGET", err.(*DialogError).Code)
	assert.Equal(t, 0, ft.txCount())
}

func TestIncomingReferSendsInitialNotify(t *testing.T) {
	s, ft, events := newTestStack(t)

	refer := incomingRequest(sip.REFER, "refer-in-1", "bob-tag", "", 7)
	refer.AppendHeader(sip.NewHeader("Refer-To", "<sip:carol@peer.example.com>"))
	stx := newFakeServerTx()
	s.onRequest(refer, stx)

	ev := waitEventKind(t, events, EventRefer)
	require.NotNil(t, ev.Tx)
	assert.Contains(t, ev.Phrase, "carol")

	require.NoError(t, ev.Tx.Respond(202, "Accepted"))
	assert.Equal(t, 202, int(stx.waitFinal(t).StatusCode))

	// Принятая переадресация сразу подтверждается NOTIFY со sipfrag
	notify := ft.lastTx(t)
	assert.Equal(t, sip.NOTIFY, notify.req.Method)
	event := notify.req.GetHeader("Event")
	require.NotNil(t, event)
	assert.Equal(t, "refer;id=7", event.Value())
	ss := notify.req.GetHeader("Subscription-State")
	require.NotNil(t, ss)
	assert.Contains(t, ss.Value(), "active")
	assert.Equal(t, []byte("SIP/2.0 100 Trying\r\n"), notify.req.Body())

	notify.responses <- respondTo(notify.req, 200, "OK", "")
	waitEventKind(t, events, EventResponse)
}

func TestIncomingReferSubSuppressed(t *testing.T) {
	s, ft, events := newTestStack(t)

	refer := incomingRequest(sip.REFER, "refer-in-2", "bob-tag", "", 1)
	refer.AppendHeader(sip.NewHeader("Refer-To", "<sip:carol@peer.example.com>"))
	refer.AppendHeader(sip.NewHeader("Refer-Sub", "false"))
	stx := newFakeServerTx()
	s.onRequest(refer, stx)

	ev := waitEventKind(t, events, EventRefer)
	require.NoError(t, ev.Tx.Respond(202, "Accepted"))

	res := stx.waitFinal(t)
	rs := res.GetHeader("Refer-Sub")
	require.NotNil(t, rs)
	assert.Equal(t, "false", rs.Value())

	// Без подписки нет и NOTIFY
	assert.Equal(t, 0, ft.txCount())
	assert.Equal(t, 0, ev.Handle.UsageCount())
}

func TestIncomingReferWithoutTarget(t *testing.T) {
	s, _, _ := newTestStack(t)

	refer := incomingRequest(sip.REFER, "refer-in-3", "bob-tag", "", 1)
	stx := newFakeServerTx()
	s.onRequest(refer, stx)

	assert.Equal(t, 400, int(stx.waitFinal(t).StatusCode))
}
