package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingCallFlow(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	h.SetMedia(&fakeMedia{offer: testSDPOffer})

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	tx := ft.lastTx(t)
	assert.Equal(t, sip.INVITE, tx.req.Method)
	assert.NotNil(t, tx.req.GetHeader("Session-Expires"))
	assert.Equal(t, testSDPOffer, tx.req.Body())

	// Предварительный ответ с тегом открывает ранний диалог
	tx.responses <- respondTo(tx.req, 180, "Ringing", "peer-tag")
	ev := waitCallState(t, events, CallStateEarly)
	assert.Equal(t, 180, ev.Status)

	// 2xx с answer завершает offer/answer обмен
	tx.responses <- withSDP(respondTo(tx.req, 200, "OK", "peer-tag"), testSDPAnswer)
	ev = waitCallState(t, events, CallStateCompleting)
	assert.True(t, ev.OA.AnswerRecv)

	waitCallState(t, events, CallStateReady)

	// AutoAck подтвердил 2xx вне транзакции
	written := ft.waitWritten(t, 1)
	assert.Equal(t, sip.ACK, written[0].Method)

	assert.Equal(t, "peer-tag", h.RemoteTag())

	// Завершение: BYE и финальный отчёт
	require.NoError(t, h.Bye())
	waitCallState(t, events, CallStateTerminating)

	byeTx := ft.waitTxCount(t, 2)
	assert.Equal(t, sip.BYE, byeTx.req.Method)
	byeTx.responses <- respondTo(byeTx.req, 200, "OK", "peer-tag")

	waitCallState(t, events, CallStateTerminated)
	waitEventKind(t, events, EventShutdown)
}

func TestOutgoingCallRejected(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	tx := ft.lastTx(t)
	tx.responses <- respondTo(tx.req, 486, "Busy Here", "peer-tag")

	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, 486, ev.Status)
	waitEventKind(t, events, EventShutdown)
}

func TestOutgoingCallTransportTimeout(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	// Транзакция умерла без финального ответа
	ft.lastTx(t).fail(nil)

	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, StatusRequestTimeout, ev.Status)
	assert.Equal(t, "Request Timed Out", ev.Phrase)
}

func TestResponsesChannelClosedBeforeDone(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	tx := ft.lastTx(t)
	// Канал ответов закрыт раньше Done: монитор ждёт завершения
	// транзакции и репортит её исход
	close(tx.responses)
	time.Sleep(20 * time.Millisecond)
	tx.fail(nil)

	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, StatusRequestTimeout, ev.Status)
}

func TestCancelPendingInvite(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)
	tx := ft.lastTx(t)

	require.NoError(t, h.CancelInvite("SIP;cause=487"))

	// CANCEL уходит вне транзакции с CSeq подтверждаемого INVITE
	written := ft.waitWritten(t, 1)
	require.Equal(t, sip.CANCEL, written[0].Method)
	inviteCSeq := tx.req.CSeq()
	cancelCSeq := written[0].CSeq()
	require.NotNil(t, cancelCSeq)
	assert.Equal(t, inviteCSeq.SeqNo, cancelCSeq.SeqNo)

	// Итог приходит обычным путём - 487 от пира
	tx.responses <- respondTo(tx.req, 487, "Request Terminated", "peer-tag")
	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, 487, ev.Status)
}

func TestGlareRetryCanceledBeforeResend(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)
	tx := ft.lastTx(t)

	// 491 планирует отложенный повтор (инициатор ждёт 2.1-4 секунды)
	tx.responses <- respondTo(tx.req, 491, "Request Pending", "")
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		ss := sessionStateOf(h.sessionUsage())
		return ss != nil && ss.inviteCt != nil && ss.inviteCt.restartPending
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.CancelInvite(""))
	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, StatusCanceled, ev.Status)
	assert.Equal(t, 1, ft.txCount(), "повтор так и не был отправлен")
}

func TestInviteAuthRestart(t *testing.T) {
	ft := newFakeTransport()
	events := make(chan *Event, 64)
	s, err := NewStack(StackConfig{
		Profile:      localProfile(),
		Transport:    ft,
		AuthUser:     "alice",
		AuthPassword: "secret",
		Handler:      func(ev *Event) { events <- ev },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.cancel() })

	h := s.NewHandle(remotePeerURI())
	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	tx := ft.lastTx(t)
	challenge := respondTo(tx.req, 401, "Unauthorized", "")
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate",
		`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))
	tx.responses <- challenge

	waitCallState(t, events, CallStateAuthenticating)

	retry := ft.waitTxCount(t, 2)
	auth := retry.req.GetHeader("Authorization")
	require.NotNil(t, auth, "повтор несёт учётные данные")
	assert.Contains(t, auth.Value(), `username="alice"`)
	assert.Contains(t, auth.Value(), `nonce="abc123"`)

	retry.responses <- respondTo(retry.req, 200, "OK", "peer-tag")
	waitCallState(t, events, CallStateCompleting)
	waitCallState(t, events, CallStateReady)
}

func TestInvite422Restart(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	tx := ft.lastTx(t)
	tooSmall := respondTo(tx.req, StatusSessionIntervalTooSmall, "Session Interval Too Small", "")
	tooSmall.AppendHeader(sip.NewHeader("Min-SE", "3000"))
	tx.responses <- tooSmall

	retry := ft.waitTxCount(t, 2)
	mse := retry.req.GetHeader("Min-SE")
	require.NotNil(t, mse)
	assert.Equal(t, "3000", mse.Value())
	se := retry.req.GetHeader("Session-Expires")
	require.NotNil(t, se)
	assert.Contains(t, se.Value(), "3000")
}

func TestIncomingCallFlow(t *testing.T) {
	s, _, events := newTestStack(t)

	invite := incomingRequest(sip.INVITE, "call-in-1", "bob-tag", "", 10)
	ctype := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ctype)
	invite.SetBody(testSDPOffer)

	stx := newFakeServerTx()
	s.onRequest(invite, stx)

	waitCallState(t, events, CallStateReceived)
	ev := waitEventKind(t, events, EventRequest)
	require.NotNil(t, ev.Tx)
	h := ev.Handle

	h.SetMedia(&fakeMedia{answer: testSDPAnswer})
	require.NoError(t, ev.Tx.Respond(200, "OK"))

	waitCallState(t, events, CallStateCompleted)

	res := stx.waitFinal(t)
	assert.Equal(t, 200, int(res.StatusCode))
	assert.Equal(t, testSDPAnswer, res.Body(), "answer на offer пира подставлен автоматически")
	require.NotNil(t, res.To())
	tag, ok := res.To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, h.LocalTag(), tag)

	// ACK пира переводит сессию в ready
	ack := incomingRequest(sip.ACK, "call-in-1", "bob-tag", h.LocalTag(), 10)
	s.onRequest(ack, newFakeServerTx())
	waitCallState(t, events, CallStateReady)

	// BYE пира закрывает сессию автоматически
	bye := incomingRequest(sip.BYE, "call-in-1", "bob-tag", h.LocalTag(), 11)
	byeTx := newFakeServerTx()
	s.onRequest(bye, byeTx)

	assert.Equal(t, 200, int(byeTx.waitFinal(t).StatusCode))
	waitCallState(t, events, CallStateTerminated)
	waitEventKind(t, events, EventShutdown)
}

func TestIncomingCallCanceled(t *testing.T) {
	s, _, events := newTestStack(t)

	invite := incomingRequest(sip.INVITE, "call-in-2", "bob-tag", "", 1)
	stx := newFakeServerTx()
	s.onRequest(invite, stx)

	waitCallState(t, events, CallStateReceived)
	waitEventKind(t, events, EventRequest)

	cancel := incomingRequest(sip.CANCEL, "call-in-2", "bob-tag", "", 1)
	cancelTx := newFakeServerTx()
	s.onRequest(cancel, cancelTx)

	// CANCEL подтверждается, INVITE закрывается 487
	assert.Equal(t, 200, int(cancelTx.waitFinal(t).StatusCode))
	assert.Equal(t, 487, int(stx.waitFinal(t).StatusCode))

	ev := waitCallState(t, events, CallStateTerminated)
	assert.Equal(t, 487, ev.Status)
}

func TestRepeatedFinalResponseRejected(t *testing.T) {
	s, _, events := newTestStack(t)

	invite := incomingRequest(sip.INVITE, "call-in-3", "bob-tag", "", 1)
	stx := newFakeServerTx()
	s.onRequest(invite, stx)

	ev := waitEventKind(t, events, EventRequest)
	require.NoError(t, ev.Tx.Respond(200, "OK"))

	err := ev.Tx.Respond(486, "Busy Here")
	require.Error(t, err)
	assert.Equal(t, "ALREADY_RESPONDED", err.(*DialogError).Code)
}

func TestInvalidStateTransitionSuppressed(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	h.mu.Lock()
	defer h.mu.Unlock()
	u, err := h.addUsage(SessionUsageClass, "", "")
	require.NoError(t, err)
	ss := sessionStateOf(u)

	// ready недостижим из init - переход подавляется молча
	h.setCallState(u, CallStateReady, nil)
	assert.Equal(t, CallStateInit, ss.state)
	assert.False(t, u.Removed())

	// terminated достижим из любого состояния
	h.setCallState(u, CallStateTerminated, nil)
	assert.True(t, u.Removed())
}

func TestByeRequiresSession(t *testing.T) {
	s, _, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	err := h.Bye()
	require.Error(t, err)
	assert.Equal(t, "USAGE_NOT_FOUND", err.(*DialogError).Code)
}

func TestInviteRetryAfterOfferFailure(t *testing.T) {
	s, ft, _ := newTestStack(t)
	h := s.NewHandle(remotePeerURI())
	media := &fakeMedia{offer: testSDPOffer, offerErr: assert.AnError}
	h.SetMedia(media)

	// Отказ медиа-слоя локален: сетевого эффекта нет, а usage сессии,
	// созданный этой же операцией, откатывается
	err := h.Invite()
	require.Error(t, err)
	assert.Equal(t, "MEDIA_FAILURE", err.(*DialogError).Code)
	assert.Equal(t, 0, ft.txCount())

	h.mu.Lock()
	assert.Equal(t, 0, h.ds.UsageCount())
	h.mu.Unlock()

	// После устранения сбоя тот же Handle принимает повторный вызов
	media.offerErr = nil
	require.NoError(t, h.Invite())
	tx := ft.lastTx(t)
	assert.Equal(t, sip.INVITE, tx.req.Method)
	assert.Equal(t, testSDPOffer, tx.req.Body())
}

func TestIncomingInviteGlareWhilePending(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	h.mu.Lock()
	usagesBefore := h.ds.UsageCount()
	h.mu.Unlock()

	// Встречный INVITE пира при неотвеченном нашем - пересечение:
	// отказ 500 с Retry-After, лишний usage не создаётся
	reinvite := incomingRequest(sip.INVITE, h.CallID(), "bob-tag", h.LocalTag(), 1)
	stx := newFakeServerTx()
	s.onRequest(reinvite, stx)

	res := stx.waitFinal(t)
	assert.Equal(t, 500, int(res.StatusCode))
	require.NotNil(t, res.GetHeader("Retry-After"))

	h.mu.Lock()
	assert.Equal(t, usagesBefore, h.ds.UsageCount())
	h.mu.Unlock()
	assert.Equal(t, 1, ft.txCount(), "исходный INVITE остался единственным")
}

func TestReinviteRequiresReadySession(t *testing.T) {
	s, ft, events := newTestStack(t)
	h := s.NewHandle(remotePeerURI())

	require.NoError(t, h.Invite())
	waitCallState(t, events, CallStateCalling)

	// Повторный INVITE до завершения первого отвергается локально
	err := h.Invite()
	require.Error(t, err)
	assert.Equal(t, "INVALID_CALL_STATE", err.(*DialogError).Code)
	assert.Equal(t, 1, ft.txCount(), "сетевого эффекта не было")
}
