package dialog

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// INVITE-сессия: usage, владеющий диалогом. Состояние ведёт машина с
// линейным порядком от init к ready и далее к terminated; terminated
// достижим из любого состояния. Единственные "откаты": повтор запроса
// с учётными данными (authenticating -> calling) и re-INVITE из ready.

const sessionUsageName = "session"

// ackTimeout - ожидание ACK после отправки 2xx (64*T1, RFC 3261)
const ackTimeout = 32 * time.Second

type sessionClass struct{}

// SessionUsageClass - дескриптор класса INVITE-сессии
var SessionUsageClass UsageClass = sessionClass{}

func (sessionClass) Name() string     { return sessionUsageName }
func (sessionClass) OwnsDialog() bool { return true }

func (sessionClass) Add(h *Handle, u *Usage) (any, error) {
	return newSessionState(), nil
}

func (sessionClass) Remove(h *Handle, u *Usage) {
	ss := sessionStateOf(u)
	if ss == nil {
		return
	}
	if ss.ackTimer != nil {
		ss.ackTimer.Stop()
		ss.ackTimer = nil
	}
	// Принудительное удаление незавершённой сессии - финальный отчёт
	// приложение всё равно получает
	if ss.state != CallStateTerminated {
		prev := ss.state
		ss.state = CallStateTerminated
		h.stack.metrics.StateTransition(prev, CallStateTerminated)
		h.postEvent(&Event{
			Kind:      EventCallState,
			CallState: CallStateTerminated,
		})
	}
}

func (sessionClass) Refresh(h *Handle, u *Usage, now time.Time) {
	ss := sessionStateOf(u)
	if ss == nil || !ss.timer.Active {
		return
	}
	h.stack.metrics.RefreshFired(sessionUsageName)

	if ss.timer.Refresher == RefresherLocal {
		ct := newClientTx(h, sip.UPDATE)
		if err := ct.start(); err != nil {
			h.log().LogError(h.ctx, err, "не удалось отправить refresh",
				String("call_id", h.ds.callID))
			h.terminateSession(u, StatusTransportError, InternalPhrase(StatusTransportError))
		}
		return
	}

	// Пир обязан был обновить сессию и не обновил
	h.log().Warn(h.ctx, "session expired without refresh",
		String("handle_id", h.id),
		String("call_id", h.ds.callID),
		Int("interval", ss.timer.Interval))
	h.terminateSession(u, StatusRequestTimeout, "Session Expired")
}

func (sessionClass) Shutdown(h *Handle, u *Usage) bool {
	ss := sessionStateOf(u)
	if ss == nil {
		return true
	}
	switch ss.state {
	case CallStateInit, CallStateTerminated:
		return true
	case CallStateTerminating:
		return false
	case CallStateCalling, CallStateProceeding, CallStateEarly, CallStateAuthenticating:
		if ss.inviteCt != nil {
			_ = ss.inviteCt.Cancel("SIP;cause=487;text=\"Shutting down\"")
		}
		if ss.inviteSt != nil {
			_ = ss.inviteSt.respondFinal(480, "Temporarily Unavailable", nil)
		}
		return false
	default:
		// completing/completed/ready: корректный снос через BYE
		h.terminateSession(u, 0, "")
		return false
	}
}

// sessionState - приватный блок состояния INVITE-сессии
type sessionState struct {
	machine *fsm.FSM
	state   CallState

	// oa - одноразовые флаги offer/answer до ближайшего отчёта
	oa OAFlags

	// timer - согласованный таймер сессии
	timer TimerResult

	// remoteOffer - полученный offer, ждущий нашего answer
	remoteOffer []byte

	// offerOutstanding - наш offer отправлен, answer не получен
	offerOutstanding bool

	// answerInAck - наш offer ушёл в 2xx, answer придёт в ACK
	answerInAck bool

	// offerIn2xx - входящий INVITE без offer: offer поедет в нашем 2xx
	offerIn2xx bool

	inviteCt *ClientTx
	inviteSt *ServerTx

	// lastInvite - подтверждаемый INVITE (для ACK при выключенном AutoAck)
	lastInvite *sip.Request

	// reinvite - текущий INVITE обновляет установленную сессию
	reinvite bool

	ackTimer *time.Timer
	byeSent  bool
}

func newSessionState() *sessionState {
	return &sessionState{machine: newSessionMachine()}
}

func sessionStateOf(u *Usage) *sessionState {
	if u == nil || u.Removed() {
		return nil
	}
	ss, _ := u.Private().(*sessionState)
	return ss
}

// newSessionMachine строит машину состояний сессии.
// Имена событий совпадают с именами целевых состояний.
func newSessionMachine() *fsm.FSM {
	s := func(cs CallState) string { return callStateNames[cs] }
	live := []string{
		s(CallStateInit), s(CallStateCalling), s(CallStateProceeding),
		s(CallStateReceived), s(CallStateEarly), s(CallStateAuthenticating),
		s(CallStateCompleting), s(CallStateCompleted), s(CallStateReady),
	}
	return fsm.NewFSM(
		s(CallStateInit),
		fsm.Events{
			{Name: s(CallStateCalling), Src: []string{s(CallStateInit), s(CallStateReady), s(CallStateAuthenticating)}, Dst: s(CallStateCalling)},
			{Name: s(CallStateReceived), Src: []string{s(CallStateInit), s(CallStateReady)}, Dst: s(CallStateReceived)},
			{Name: s(CallStateProceeding), Src: []string{s(CallStateCalling), s(CallStateAuthenticating)}, Dst: s(CallStateProceeding)},
			{Name: s(CallStateEarly), Src: []string{s(CallStateCalling), s(CallStateProceeding), s(CallStateReceived), s(CallStateAuthenticating)}, Dst: s(CallStateEarly)},
			{Name: s(CallStateAuthenticating), Src: []string{s(CallStateCalling), s(CallStateProceeding)}, Dst: s(CallStateAuthenticating)},
			{Name: s(CallStateCompleting), Src: []string{s(CallStateCalling), s(CallStateProceeding), s(CallStateEarly), s(CallStateAuthenticating)}, Dst: s(CallStateCompleting)},
			{Name: s(CallStateCompleted), Src: []string{s(CallStateReceived), s(CallStateEarly)}, Dst: s(CallStateCompleted)},
			{Name: s(CallStateReady), Src: []string{s(CallStateCompleting), s(CallStateCompleted)}, Dst: s(CallStateReady)},
			{Name: s(CallStateTerminating), Src: live, Dst: s(CallStateTerminating)},
			{Name: s(CallStateTerminated), Src: append(append([]string{}, live...), s(CallStateTerminating)), Dst: s(CallStateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// setCallState переводит сессию в состояние next и публикует событие.
//
// Повторный отчёт того же состояния (например, очередной 180) машину
// не трогает и доставляется как есть. Недопустимый переход подавляется:
// событие не публикуется, состояние не меняется.
func (h *Handle) setCallState(u *Usage, next CallState, ev *Event) {
	ss := sessionStateOf(u)
	if ss == nil {
		return
	}
	prev := ss.state
	if next != prev {
		if err := ss.machine.Event(h.ctx, callStateNames[next]); err != nil {
			h.log().Warn(h.ctx, "подавлен недопустимый переход состояния",
				String("handle_id", h.id),
				String("call_id", h.ds.callID),
				String("state", prev.String()),
				String("next", next.String()))
			return
		}
		ss.state = next
		h.stack.metrics.StateTransition(prev, next)
	}

	if ev == nil {
		ev = &Event{}
	}
	ev.Kind = EventCallState
	ev.CallState = next
	ev.OA = ss.oa
	ss.oa = OAFlags{}
	ev.Refresher = ss.timer.Refresher
	h.postEvent(ev)

	if next == CallStateTerminated {
		h.removeUsage(u)
	}
}

// CallStateOf возвращает текущее состояние сессии Handle
func (h *Handle) CallStateOf() CallState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ss := sessionStateOf(h.sessionUsage()); ss != nil {
		return ss.state
	}
	return CallStateInit
}

// armSessionTimer взводит таймер обновления по согласованной роли
func (h *Handle) armSessionTimer(u *Usage) {
	ss := sessionStateOf(u)
	if ss == nil || !ss.timer.Active || ss.timer.Refresher == RefresherNone {
		return
	}
	delay := refreshDelay(ss.timer.Interval, ss.timer.Refresher)
	h.scheduleRefresh(u, time.Now().Add(delay))
}

// terminateSession начинает снос сессии: BYE пиру, отчёт terminating,
// terminated придёт по итогу BYE транзакции. status != 0 попадает в
// отчёт terminating как причина (включая внутреннюю полосу >= 900).
func (h *Handle) terminateSession(u *Usage, status int, phrase string) {
	ss := sessionStateOf(u)
	if ss == nil || ss.byeSent || ss.state == CallStateTerminated {
		return
	}
	ss.byeSent = true
	h.resetRefresh(u)

	ev := &Event{Method: sip.BYE, Status: status, Phrase: phrase}
	h.setCallState(u, CallStateTerminating, ev)
	if u.Removed() {
		return
	}

	ct := newClientTx(h, sip.BYE)
	ct.usage = u
	if err := u.bind(ct); err == nil {
		if req, berr := ct.buildRequest(); berr == nil {
			ct.req = req
			if serr := ct.send(req); serr == nil {
				return
			}
		}
		u.unbind(ct)
	}
	// BYE не ушёл - завершаем сразу
	h.setCallState(u, CallStateTerminated, &Event{
		Method: sip.BYE,
		Status: StatusTransportError,
		Phrase: InternalPhrase(StatusTransportError),
	})
}

// Клиентские хуки INVITE

func sessionClientInit(ct *ClientTx) error {
	h := ct.handle
	u := h.sessionUsage()
	if u == nil {
		created, err := h.addUsage(SessionUsageClass, "", "")
		if err != nil {
			return err
		}
		u = created
		ct.createdUsage = true
	} else {
		ss := sessionStateOf(u)
		if ss == nil || ss.state != CallStateReady {
			state := CallStateInit
			if ss != nil {
				state = ss.state
			}
			return ErrInvalidCallState(state, "re-INVITE")
		}
		ss.reinvite = true
	}
	ct.usage = u
	return nil
}

func sessionClientBuild(ct *ClientTx, req *sip.Request) error {
	h := ct.handle
	applyTimerToRequest(req, timerPrefsFrom(ct.prefs))
	if ct.prefs.Support100rel {
		appendSupportedToken(req, "100rel")
	}
	setHeader(req, sip.NewHeader("Allow", allowValue(ct.prefs.AllowedMethods)))

	if len(ct.oa.body) == 0 && h.media != nil {
		offer, err := h.media.CreateOffer(h.ctx)
		if err != nil {
			status, phrase := TranslateMediaError(err, false)
			return ErrMedia(status, phrase, err)
		}
		req.SetBody(offer)
		ctype := sip.ContentTypeHeader("application/sdp")
		setHeader(req, &ctype)
	}
	return nil
}

func sessionClientSent(ct *ClientTx) {
	h := ct.handle
	ss := sessionStateOf(ct.usage)
	if ss == nil {
		return
	}
	ss.inviteCt = ct
	if hasSDPBody(ct.req.GetHeader("Content-Type"), ct.req.Body()) {
		ss.oa.OfferSent = true
		ss.offerOutstanding = true
	}
	h.setCallState(ct.usage, CallStateCalling, &Event{
		Method:  sip.INVITE,
		Request: ct.req,
	})
}

func sessionClientPreliminary(ct *ClientTx, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ss := sessionStateOf(u)
	if ss == nil {
		return
	}
	status := int(res.StatusCode)
	ev := &Event{Method: sip.INVITE, Status: status, Phrase: res.Reason, Response: res}

	switch {
	case status == 401 || status == 407:
		h.setCallState(u, CallStateAuthenticating, ev)

	case status <= 100:
		h.setCallState(u, CallStateProceeding, ev)

	default:
		if hasSDPBody(res.GetHeader("Content-Type"), res.Body()) && ss.offerOutstanding {
			if h.media != nil {
				if err := h.media.SetRemoteAnswer(h.ctx, res.Body()); err != nil {
					h.log().LogError(h.ctx, err, "answer в предварительном ответе отвергнут",
						String("call_id", h.ds.callID))
				} else {
					ss.oa.AnswerRecv = true
					ss.offerOutstanding = false
				}
			} else {
				ss.oa.AnswerRecv = true
				ss.offerOutstanding = false
			}
		}
		next := CallStateProceeding
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok && tag != "" {
				next = CallStateEarly
			}
		}
		h.setCallState(u, next, ev)

		// Надёжный предварительный ответ подтверждается автоматически
		if ct.prefs.Support100rel && res.GetHeader("RSeq") != nil {
			h.sendPrack(res)
		}
	}
}

func sessionClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ss := sessionStateOf(u)
	if ss == nil {
		ct.genericReport(status, phrase, res)
		return
	}
	ss.inviteCt = nil
	ev := &Event{Method: sip.INVITE, Status: status, Phrase: phrase, Response: res}

	switch {
	case status < 300:
		mediaFailed := false
		if res != nil && hasSDPBody(res.GetHeader("Content-Type"), res.Body()) {
			if ss.offerOutstanding {
				if h.media != nil {
					if err := h.media.SetRemoteAnswer(h.ctx, res.Body()); err != nil {
						mediaFailed = true
					} else {
						ss.oa.AnswerRecv = true
						ss.offerOutstanding = false
					}
				} else {
					ss.oa.AnswerRecv = true
					ss.offerOutstanding = false
				}
			} else {
				// Offer в 2xx: answer поедет в ACK
				ss.remoteOffer = res.Body()
				ss.answerInAck = true
				ss.oa.OfferRecv = true
			}
		}
		result, _ := NegotiateSessionTimer(true, timerPrefsFrom(ct.prefs), timerPeerFromResponse(res))
		ss.timer = result
		ss.reinvite = false
		ss.lastInvite = ct.req

		h.setCallState(u, CallStateCompleting, ev)
		if u.Removed() {
			return
		}
		if mediaFailed {
			// Пир считает сессию установленной: подтверждаем ACK и
			// сразу сносим BYE
			h.writeAck(ct.req, nil)
			h.terminateSession(u, StatusMediaError, InternalPhrase(StatusMediaError))
			return
		}
		if ct.prefs.AutoAck {
			h.ackSession(u, ct.req)
		}

	case status == 487 || status == StatusCanceled:
		h.setCallState(u, CallStateTerminated, ev)

	case ss.reinvite && !IsInternalStatus(status) && status != 408 && status != 481:
		// Неуспех re-INVITE не рушит установленную сессию
		ss.reinvite = false
		ss.machine.SetState(callStateNames[CallStateReady])
		ss.state = CallStateReady
		h.postEvent(&Event{
			Kind:     EventResponse,
			Status:   status,
			Phrase:   phrase,
			Method:   sip.INVITE,
			Response: res,
		})
		h.armSessionTimer(u)

	default:
		h.setCallState(u, CallStateTerminated, ev)
	}
}

// ackSession отправляет ACK на 2xx, при необходимости с answer в теле
func (h *Handle) ackSession(u *Usage, invite *sip.Request) {
	ss := sessionStateOf(u)
	if ss == nil {
		return
	}

	var body []byte
	if ss.answerInAck {
		if h.media != nil {
			answer, err := h.media.CreateAnswer(h.ctx, ss.remoteOffer)
			if err != nil {
				// Ответить на offer пира нечем: ACK без тела + BYE
				h.writeAck(invite, nil)
				status, phrase := TranslateMediaError(err, false)
				h.terminateSession(u, status, phrase)
				return
			}
			body = answer
			ss.oa.AnswerSent = true
		}
		ss.answerInAck = false
		ss.remoteOffer = nil
	}

	if err := h.writeAck(invite, body); err != nil {
		h.terminateSession(u, StatusTransportError, InternalPhrase(StatusTransportError))
		return
	}
	h.setCallState(u, CallStateReady, &Event{Method: sip.ACK})
	h.armSessionTimer(u)
}

// writeAck строит и отправляет ACK вне транзакции.
// CSeq ACK равен CSeq подтверждаемого INVITE.
func (h *Handle) writeAck(invite *sip.Request, body []byte) error {
	ack := h.buildDialogRequest(sip.ACK)
	if cseq := invite.CSeq(); cseq != nil {
		ack.ReplaceHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	if body != nil {
		ack.SetBody(body)
		ctype := sip.ContentTypeHeader("application/sdp")
		ack.AppendHeader(&ctype)
	}
	return h.stack.transport.Write(h.ctx, ack)
}

// sendPrack подтверждает надёжный предварительный ответ (RFC 3262)
func (h *Handle) sendPrack(res *sip.Response) {
	rseq := res.GetHeader("RSeq")
	cseq := res.CSeq()
	if rseq == nil || cseq == nil {
		return
	}
	ct := newClientTx(h, MethodPRACK)
	req, err := ct.buildRequest()
	if err != nil {
		return
	}
	req.AppendHeader(sip.NewHeader("RAck",
		strings.TrimSpace(rseq.Value())+" "+strconv.Itoa(int(cseq.SeqNo))+" INVITE"))
	ct.req = req
	if err := ct.send(req); err != nil {
		h.log().LogError(h.ctx, err, "не удалось отправить PRACK",
			String("call_id", h.ds.callID))
	}
}

func prackClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	ct.genericReport(status, phrase, res)
}

// Серверные хуки INVITE

func sessionServerInit(st *ServerTx) error {
	h := st.handle
	u := h.sessionUsage()
	if u != nil {
		ss := sessionStateOf(u)
		if ss == nil {
			return ErrInvalidCallState(CallStateInit, "INVITE")
		}
		if ss.inviteCt != nil || ss.inviteSt != nil || ss.state != CallStateReady {
			// Glare: пересечение INVITE в одном диалоге
			e := NewDialogError("REQUEST_PENDING", "INVITE уже в обработке", ErrorCategoryState)
			e.Status = 500
			e.Retryable = true
			return e
		}
		ss.reinvite = true
	} else {
		created, err := h.addUsage(SessionUsageClass, "", "")
		if err != nil {
			return err
		}
		u = created
	}
	st.usage = u
	return nil
}

func sessionServerPreprocess(st *ServerTx) bool {
	h := st.handle
	u := st.usage
	ss := sessionStateOf(u)
	if ss == nil {
		return false
	}
	ss.inviteSt = st
	st.respondProvisional(100, "Trying")

	result, terr := NegotiateSessionTimer(false, timerPrefsFrom(st.prefs), timerPeerFromRequest(st.req))
	if terr != nil {
		res := sip.NewResponseFromRequest(st.req, StatusSessionIntervalTooSmall, "Session Interval Too Small", nil)
		res.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(st.prefs.MinSE)))
		st.sendFinal(res)
		if !ss.reinvite {
			h.removeUsage(u)
		} else {
			ss.inviteSt = nil
			ss.reinvite = false
		}
		return true
	}
	ss.timer = result

	if hasSDPBody(st.req.GetHeader("Content-Type"), st.req.Body()) {
		ss.remoteOffer = st.req.Body()
		ss.oa.OfferRecv = true
	} else {
		ss.offerIn2xx = true
	}

	h.setCallState(u, CallStateReceived, &Event{
		Method:  sip.INVITE,
		Request: st.req,
	})
	return false
}

func sessionServerReport(st *ServerTx) {
	st.handle.postEvent(&Event{
		Kind:    EventRequest,
		Method:  sip.INVITE,
		Request: st.req,
		Tx:      st,
	})
}

func sessionServerRespondHook(st *ServerTx, res *sip.Response) error {
	h := st.handle
	ss := sessionStateOf(st.usage)
	if ss == nil {
		return nil
	}
	status := int(res.StatusCode)
	if status < 200 || status >= 300 {
		return nil
	}

	applyTimerToResponse(res, ss.timer)
	res.AppendHeader(sip.NewHeader("Allow", allowValue(st.prefs.AllowedMethods)))
	res.AppendHeader(h.profile.Contact())

	if len(res.Body()) != 0 || h.media == nil {
		return nil
	}
	if ss.remoteOffer != nil {
		answer, err := h.media.CreateAnswer(h.ctx, ss.remoteOffer)
		if err != nil {
			status, phrase := TranslateMediaError(err, true)
			e := ErrMedia(status, phrase, err)
			return e
		}
		res.SetBody(answer)
		ctype := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ctype)
	} else if ss.offerIn2xx {
		offer, err := h.media.CreateOffer(h.ctx)
		if err != nil {
			status, phrase := TranslateMediaError(err, true)
			return ErrMedia(status, phrase, err)
		}
		res.SetBody(offer)
		ctype := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ctype)
	}
	return nil
}

func sessionServerResponded(st *ServerTx, res *sip.Response) {
	h := st.handle
	u := st.usage
	ss := sessionStateOf(u)
	if ss == nil {
		return
	}
	status := int(res.StatusCode)
	ev := &Event{Method: sip.INVITE, Status: status, Phrase: res.Reason, Response: res}

	switch {
	case status < 200:
		if status > 100 {
			h.setCallState(u, CallStateEarly, ev)
		}

	case status < 300:
		if ss.remoteOffer != nil && len(res.Body()) != 0 {
			ss.oa.AnswerSent = true
			ss.remoteOffer = nil
		} else if ss.offerIn2xx && len(res.Body()) != 0 {
			ss.oa.OfferSent = true
			ss.answerInAck = true
			ss.offerIn2xx = false
		}
		ss.reinvite = false
		h.setCallState(u, CallStateCompleted, ev)
		if u.Removed() {
			return
		}
		// Без ACK в разумный срок сессия сносится
		ss.ackTimer = time.AfterFunc(ackTimeout, func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			ss.ackTimer = nil
			if !u.Removed() && ss.state == CallStateCompleted {
				h.terminateSession(u, StatusRequestTimeout, "ACK Never Received")
			}
		})

	default:
		ss.inviteSt = nil
		if ss.reinvite {
			// Отказ на re-INVITE: установленная сессия живёт дальше
			ss.reinvite = false
			ss.machine.SetState(callStateNames[CallStateReady])
			ss.state = CallStateReady
			return
		}
		h.setCallState(u, CallStateTerminated, ev)
	}
}

// onAck обрабатывает входящий ACK. Вызывается с удержанным h.mu.
func (h *Handle) onAck(req *sip.Request) {
	u := h.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil || ss.state != CallStateCompleted {
		return
	}
	if ss.ackTimer != nil {
		ss.ackTimer.Stop()
		ss.ackTimer = nil
	}
	ss.inviteSt = nil

	if ss.answerInAck {
		ss.answerInAck = false
		body := req.Body()
		if !hasSDPBody(req.GetHeader("Content-Type"), body) {
			// Offer ушёл в 2xx, а answer не пришёл - сессия нежизнеспособна
			h.terminateSession(u, StatusMediaError, "No Answer In ACK")
			return
		}
		if h.media != nil {
			if err := h.media.SetRemoteAnswer(h.ctx, body); err != nil {
				h.terminateSession(u, StatusMediaError, InternalPhrase(StatusMediaError))
				return
			}
		}
		ss.oa.AnswerRecv = true
	}

	h.setCallState(u, CallStateReady, &Event{Method: sip.ACK, Request: req})
	h.armSessionTimer(u)
}

// onCancel обрабатывает входящий CANCEL ожидающего INVITE
func (h *Handle) onCancel(req *sip.Request) bool {
	u := h.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil || ss.inviteSt == nil {
		return false
	}
	st := ss.inviteSt
	ss.inviteSt = nil
	_ = st.respondFinal(487, "Request Terminated", nil)
	h.setCallState(u, CallStateTerminated, &Event{
		Method:  sip.CANCEL,
		Status:  487,
		Phrase:  "Request Terminated",
		Request: req,
	})
	return true
}

// Хуки BYE

func byeClientInit(ct *ClientTx) error {
	u := ct.handle.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil {
		return ErrUsageNotFound(sessionUsageName, "")
	}
	switch ss.state {
	case CallStateInit, CallStateTerminated:
		return ErrInvalidCallState(ss.state, "BYE")
	}
	ct.usage = u
	return nil
}

func byeClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	if sessionStateOf(u) == nil {
		ct.genericReport(status, phrase, res)
		return
	}
	h.setCallState(u, CallStateTerminated, &Event{
		Method:   sip.BYE,
		Status:   status,
		Phrase:   phrase,
		Response: res,
	})
}

func byeServerInit(st *ServerTx) error {
	u := st.handle.sessionUsage()
	if sessionStateOf(u) == nil {
		e := NewDialogError("NO_SESSION", "сессии для BYE нет", ErrorCategoryUsage)
		e.Status = 481
		return e
	}
	st.usage = u
	return nil
}

func byeServerPreprocess(st *ServerTx) bool {
	h := st.handle
	u := st.usage
	_ = st.respondFinal(200, "OK", nil)
	h.postEvent(&Event{Kind: EventRequest, Method: sip.BYE, Request: st.req})
	h.setCallState(u, CallStateTerminated, &Event{
		Method:  sip.BYE,
		Request: st.req,
	})
	return true
}

// Хуки CANCEL (исходящий как самостоятельная транзакция)

func cancelClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	ct.genericReport(status, phrase, res)
}

// Хуки UPDATE

func updateClientInit(ct *ClientTx) error {
	u := ct.handle.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil {
		return ErrUsageNotFound(sessionUsageName, "")
	}
	switch ss.state {
	case CallStateEarly, CallStateReady:
	default:
		return ErrInvalidCallState(ss.state, "UPDATE")
	}
	ct.usage = u
	return nil
}

func updateClientBuild(ct *ClientTx, req *sip.Request) error {
	applyTimerToRequest(req, timerPrefsFrom(ct.prefs))
	return nil
}

func updateClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ss := sessionStateOf(u)
	if ss != nil && status >= 200 && status < 300 {
		result, _ := NegotiateSessionTimer(true, timerPrefsFrom(ct.prefs), timerPeerFromResponse(res))
		if result.Active {
			ss.timer = result
		}
		h.armSessionTimer(u)
	}
	ct.genericReport(status, phrase, res)
}

func updateServerPreprocess(st *ServerTx) bool {
	h := st.handle
	u := h.sessionUsage()
	ss := sessionStateOf(u)

	result, terr := NegotiateSessionTimer(false, timerPrefsFrom(st.prefs), timerPeerFromRequest(st.req))
	if terr != nil {
		res := sip.NewResponseFromRequest(st.req, StatusSessionIntervalTooSmall, "Session Interval Too Small", nil)
		res.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(st.prefs.MinSE)))
		st.sendFinal(res)
		return true
	}

	res := sip.NewResponseFromRequest(st.req, 200, "OK", nil)
	if ss != nil && hasSDPBody(st.req.GetHeader("Content-Type"), st.req.Body()) && h.media != nil {
		answer, err := h.media.CreateAnswer(h.ctx, st.req.Body())
		if err != nil {
			status, phrase := TranslateMediaError(err, true)
			st.sendFinal(sip.NewResponseFromRequest(st.req, sip.StatusCode(status), phrase, nil))
			return true
		}
		res.SetBody(answer)
		ctype := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ctype)
		ss.oa.OfferRecv = true
		ss.oa.AnswerSent = true
	}
	if ss != nil && result.Active {
		ss.timer = result
		applyTimerToResponse(res, result)
	}
	st.sendFinal(res)

	if ss != nil {
		h.armSessionTimer(u)
	}
	h.postEvent(&Event{Kind: EventRequest, Method: sip.UPDATE, Request: st.req})
	return true
}

// Вспомогательное

func allowValue(methods []sip.RequestMethod) string {
	parts := make([]string, 0, len(methods))
	for _, m := range methods {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ", ")
}

// hasSDPBody проверяет, несёт ли сообщение SDP тело
func hasSDPBody(contentType sip.Header, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if contentType == nil {
		return false
	}
	return strings.Contains(strings.ToLower(contentType.Value()), "application/sdp")
}
