package dialog

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Подписки (RFC 6665). Две стороны - два класса usage:
// subscriber (мы отправили SUBSCRIBE и принимаем NOTIFY) и
// notifier (мы приняли SUBSCRIBE и отправляем NOTIFY).
// Дискриминант usage - пара (тип события, id).

const (
	subscriberUsageName = "subscribe"
	notifierUsageName   = "notify"
)

type subscriberClass struct{}

// SubscriberUsageClass - дескриптор класса подписчика
var SubscriberUsageClass UsageClass = subscriberClass{}

func (subscriberClass) Name() string     { return subscriberUsageName }
func (subscriberClass) OwnsDialog() bool { return false }

func (subscriberClass) Add(h *Handle, u *Usage) (any, error) {
	return &subscriberState{substate: SubStateEmbryonic}, nil
}

func (subscriberClass) Remove(h *Handle, u *Usage) {
	ss := subscriberStateOf(u)
	if ss == nil || ss.substate == SubStateTerminated {
		return
	}
	ss.substate = SubStateTerminated
	event, id := u.Event()
	h.postEvent(&Event{
		Kind:     EventSubscription,
		Method:   sip.SUBSCRIBE,
		SubState: SubStateTerminated,
		Phrase:   formatEventHeader(event, id),
	})
}

// Refresh у подписчика совмещает две роли единственного таймера:
// плановое обновление живой подписки и таймаут ожидания NOTIFY
// после fetch или отписки.
func (subscriberClass) Refresh(h *Handle, u *Usage, now time.Time) {
	ss := subscriberStateOf(u)
	if ss == nil {
		return
	}
	h.stack.metrics.RefreshFired(subscriberUsageName)

	if ss.fetch || ss.terminating {
		// Финальный NOTIFY не пришёл вовремя
		h.removeUsage(u)
		return
	}

	event, id := u.Event()
	ct := newClientTx(h, sip.SUBSCRIBE, WithEvent(event, id))
	if err := ct.start(); err != nil {
		h.log().LogError(h.ctx, err, "не удалось обновить подписку",
			String("call_id", h.ds.callID), String("event", event))
		h.removeUsage(u)
	}
}

func (subscriberClass) Shutdown(h *Handle, u *Usage) bool {
	ss := subscriberStateOf(u)
	if ss == nil || ss.substate == SubStateTerminated {
		return true
	}
	if ss.substate == SubStateEmbryonic && !ss.terminating {
		return true
	}
	if !ss.terminating {
		event, id := u.Event()
		ct := newClientTx(h, sip.SUBSCRIBE, WithEvent(event, id), WithExpires(0))
		if err := ct.start(); err != nil {
			return true
		}
	}
	return false
}

// subscriberState - приватный блок usage подписчика
type subscriberState struct {
	substate SubscriptionState

	// requestedExpires - время жизни из последнего SUBSCRIBE
	requestedExpires int

	// grantedExpires - время жизни, подтверждённое нотификатором
	grantedExpires int

	// fetch - одноразовый опрос (Expires: 0 в первом SUBSCRIBE)
	fetch bool

	// terminating - отписка отправлена, ждём финальный NOTIFY
	terminating bool

	// implicit - подписка создана REFER-ом, а не SUBSCRIBE
	implicit bool
}

func subscriberStateOf(u *Usage) *subscriberState {
	if u == nil || u.Removed() {
		return nil
	}
	ss, _ := u.Private().(*subscriberState)
	return ss
}

// Клиентские хуки SUBSCRIBE

func subscribeClientInit(ct *ClientTx) error {
	h := ct.handle
	event := ct.oa.event
	if event == "" {
		return NewDialogError("EVENT_REQUIRED",
			"SUBSCRIBE требует тип события", ErrorCategoryLocal)
	}
	u := h.findUsage(subscriberUsageName, event, ct.oa.eventID)
	if u == nil {
		created, err := h.addUsage(SubscriberUsageClass, event, ct.oa.eventID)
		if err != nil {
			return err
		}
		u = created
		ct.createdUsage = true
	}
	ss := subscriberStateOf(u)

	requested := ct.prefs.SubscribeExpires
	if ct.oa.expires != nil {
		requested = *ct.oa.expires
	}
	ss.requestedExpires = requested
	if requested == 0 {
		if ss.substate == SubStateEmbryonic {
			ss.fetch = true
		} else {
			ss.terminating = true
		}
	}
	ct.usage = u
	return nil
}

func subscribeClientBuild(ct *ClientTx, req *sip.Request) error {
	event, id := ct.usage.Event()
	setHeader(req, sip.NewHeader("Event", formatEventHeader(event, id)))
	ss := subscriberStateOf(ct.usage)
	if ss != nil && ct.oa.expires == nil {
		setHeader(req, sip.NewHeader("Expires", strconv.Itoa(ss.requestedExpires)))
	}
	return nil
}

func subscribeClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ss := subscriberStateOf(u)
	if ss == nil {
		ct.genericReport(status, phrase, res)
		return
	}

	if status >= 200 && status < 300 {
		granted := ss.requestedExpires
		if res != nil {
			if exp := res.GetHeader("Expires"); exp != nil {
				if v, err := strconv.Atoi(strings.TrimSpace(exp.Value())); err == nil {
					granted = v
				}
			}
		}
		ss.grantedExpires = granted

		if granted == 0 {
			// Fetch или отписка: нотификатор обязан прислать
			// финальный NOTIFY; не дождёмся - закроем сами
			h.scheduleRefresh(u, time.Now().Add(ct.prefs.FetchTimeout))
		} else {
			h.scheduleRefresh(u, time.Now().Add(time.Duration(granted/2)*time.Second))
		}
		h.postEvent(&Event{
			Kind:     EventSubscription,
			Status:   status,
			Phrase:   phrase,
			Method:   sip.SUBSCRIBE,
			SubState: ss.substate,
			Response: res,
		})
		return
	}

	// Отказ: подписка не состоялась или не продлилась
	h.postEvent(&Event{
		Kind:     EventSubscription,
		Status:   status,
		Phrase:   phrase,
		Method:   sip.SUBSCRIBE,
		SubState: SubStateTerminated,
		Response: res,
	})
	ss.substate = SubStateTerminated
	h.removeUsage(u)
}

// Серверные хуки NOTIFY (подписчик принимает уведомление)

func notifyServerInit(st *ServerTx) error {
	h := st.handle
	event, id := parseEventHeader(st.req)
	u := h.findUsage(subscriberUsageName, event, id)
	if u == nil {
		e := NewDialogError("SUBSCRIPTION_NOT_FOUND",
			"подписки для NOTIFY нет", ErrorCategoryUsage)
		e.Status = 481
		return e
	}
	st.usage = u
	return nil
}

func notifyServerPreprocess(st *ServerTx) bool {
	h := st.handle
	u := st.usage
	ss := subscriberStateOf(u)
	if ss == nil {
		return false
	}

	ssHeader := st.req.GetHeader("Subscription-State")
	substate, expires, _ := parseSubscriptionState(ssHeader)
	if ssHeader == nil {
		// Нотификаторы старой школы шлют NOTIFY без Subscription-State:
		// судьбу подписки определяет Expires
		substate = SubStateActive
		if exp := st.req.GetHeader("Expires"); exp != nil {
			if v, err := strconv.Atoi(strings.TrimSpace(exp.Value())); err == nil {
				expires = v
				if v == 0 {
					substate = SubStateTerminated
				}
			}
		}
	}
	_ = st.respondFinal(200, "OK", nil)

	ss.substate = substate
	h.postEvent(&Event{
		Kind:     EventSubscription,
		Method:   sip.NOTIFY,
		SubState: substate,
		Request:  st.req,
	})

	if substate == SubStateTerminated {
		h.removeUsage(u)
		return true
	}
	if ss.fetch || ss.terminating {
		// Ожидали финальный NOTIFY, а подписка продолжается -
		// таймер ожидания остаётся, закроемся по нему
		return true
	}
	if expires > 0 {
		ss.grantedExpires = expires
		h.scheduleRefresh(u, time.Now().Add(time.Duration(expires/2)*time.Second))
	}
	return true
}

// Нотификатор: серверная сторона SUBSCRIBE

type notifierClass struct{}

// NotifierUsageClass - дескриптор класса нотификатора
var NotifierUsageClass UsageClass = notifierClass{}

func (notifierClass) Name() string     { return notifierUsageName }
func (notifierClass) OwnsDialog() bool { return false }

func (notifierClass) Add(h *Handle, u *Usage) (any, error) {
	return &notifierState{substate: SubStateEmbryonic}, nil
}

func (notifierClass) Remove(h *Handle, u *Usage) {
	ns := notifierStateOf(u)
	if ns == nil || ns.substate == SubStateTerminated {
		return
	}
	ns.substate = SubStateTerminated
	event, id := u.Event()
	h.postEvent(&Event{
		Kind:     EventSubscription,
		Method:   sip.NOTIFY,
		SubState: SubStateTerminated,
		Phrase:   formatEventHeader(event, id),
	})
}

// Refresh у нотификатора - истечение подписки без продления
func (notifierClass) Refresh(h *Handle, u *Usage, now time.Time) {
	h.stack.metrics.RefreshFired(notifierUsageName)
	ns := notifierStateOf(u)
	if ns == nil {
		return
	}
	// Приложение получает шанс отправить финальный NOTIFY из колбэка
	h.removeUsage(u)
}

func (notifierClass) Shutdown(h *Handle, u *Usage) bool {
	ns := notifierStateOf(u)
	if ns == nil || ns.substate == SubStateTerminated || ns.substate == SubStateEmbryonic {
		return true
	}
	if !ns.terminating {
		ns.terminating = true
		event, id := u.Event()
		ct := newClientTx(h, sip.NOTIFY,
			WithEvent(event, id),
			WithHeaderString("Subscription-State", "terminated;reason=deactivated"))
		if err := ct.start(); err != nil {
			return true
		}
	}
	return false
}

// notifierState - приватный блок usage нотификатора
type notifierState struct {
	substate       SubscriptionState
	grantedExpires int
	terminating    bool
}

func notifierStateOf(u *Usage) *notifierState {
	if u == nil || u.Removed() {
		return nil
	}
	ns, _ := u.Private().(*notifierState)
	return ns
}

// Серверные хуки SUBSCRIBE

func subscribeServerInit(st *ServerTx) error {
	h := st.handle
	event, id := parseEventHeader(st.req)
	if event == "" || !eventSupported(st.prefs.SupportedEvents, event) {
		e := NewDialogError("BAD_EVENT",
			"событие подписки не поддерживается", ErrorCategoryProtocol)
		e.Status = StatusBadEvent
		return e
	}
	u := h.findUsage(notifierUsageName, event, id)
	if u == nil {
		created, err := h.addUsage(NotifierUsageClass, event, id)
		if err != nil {
			return err
		}
		u = created
	}
	st.usage = u
	return nil
}

func subscribeServerRespondHook(st *ServerTx, res *sip.Response) error {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil
	}
	ns := notifierStateOf(st.usage)
	if ns == nil {
		return nil
	}
	granted := requestedExpires(st.req, st.prefs.SubscribeExpires)
	if granted > st.prefs.SubscribeExpires {
		granted = st.prefs.SubscribeExpires
	}
	ns.grantedExpires = granted
	setHeader(res, sip.NewHeader("Expires", strconv.Itoa(granted)))
	event, id := st.usage.Event()
	setHeader(res, sip.NewHeader("Event", formatEventHeader(event, id)))
	return nil
}

func subscribeServerResponded(st *ServerTx, res *sip.Response) {
	h := st.handle
	u := st.usage
	ns := notifierStateOf(u)
	if ns == nil {
		return
	}
	status := int(res.StatusCode)
	if status >= 300 {
		if ns.substate == SubStateEmbryonic {
			h.removeUsage(u)
		}
		return
	}
	if status < 200 {
		return
	}
	if ns.grantedExpires == 0 {
		// Fetch или отписка: приложение шлёт финальный NOTIFY,
		// страховочный таймер закроет usage при молчании
		h.scheduleRefresh(u, time.Now().Add(st.prefs.FetchTimeout))
		return
	}
	if ns.substate == SubStateEmbryonic {
		ns.substate = SubStatePending
	}
	h.scheduleRefresh(u, time.Now().Add(time.Duration(ns.grantedExpires)*time.Second))
}

func subscribeServerReport(st *ServerTx) {
	st.handle.postEvent(&Event{
		Kind:     EventSubscription,
		Method:   sip.SUBSCRIBE,
		SubState: SubStateEmbryonic,
		Request:  st.req,
		Tx:       st,
	})
}

// Клиентские хуки NOTIFY (нотификатор отправляет уведомление)

func notifyClientInit(ct *ClientTx) error {
	h := ct.handle
	u := h.findUsage(notifierUsageName, ct.oa.event, ct.oa.eventID)
	if u == nil {
		return ErrUsageNotFound(notifierUsageName, ct.oa.event)
	}
	ct.usage = u
	return nil
}

func notifyClientBuild(ct *ClientTx, req *sip.Request) error {
	event, id := ct.usage.Event()
	setHeader(req, sip.NewHeader("Event", formatEventHeader(event, id)))
	if req.GetHeader("Subscription-State") == nil {
		ns := notifierStateOf(ct.usage)
		value := "pending"
		if ns != nil && ns.substate == SubStateActive {
			value = "active;expires=" + strconv.Itoa(ns.grantedExpires)
		}
		req.AppendHeader(sip.NewHeader("Subscription-State", value))
	}
	return nil
}

func notifyClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage
	ns := notifierStateOf(u)
	if ns == nil {
		ct.genericReport(status, phrase, res)
		return
	}

	announcedTerminated := false
	if ssHeader := ct.req.GetHeader("Subscription-State"); ssHeader != nil {
		announcedTerminated = strings.HasPrefix(
			strings.ToLower(strings.TrimSpace(ssHeader.Value())), "terminated")
	}

	if status >= 200 && status < 300 {
		if ns.substate == SubStatePending || ns.substate == SubStateEmbryonic {
			if !announcedTerminated {
				ns.substate = SubStateActive
			}
		}
	}
	ct.genericReport(status, phrase, res)

	if announcedTerminated || status == 481 || IsInternalStatus(status) {
		h.removeUsage(u)
	}
}

// Разбор заголовков подписок

// parseEventHeader извлекает тип события и id из заголовка Event
func parseEventHeader(req *sip.Request) (event, id string) {
	hd := req.GetHeader("Event")
	if hd == nil {
		return "", ""
	}
	parts := strings.Split(hd.Value(), ";")
	event = strings.TrimSpace(parts[0])
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.TrimSpace(strings.ToLower(kv[0])) == "id" {
			id = strings.TrimSpace(kv[1])
		}
	}
	return event, id
}

// parseSubscriptionState разбирает "active;expires=3600;reason=timeout"
func parseSubscriptionState(hd sip.Header) (state SubscriptionState, expires int, reason string) {
	state = SubStateActive
	if hd == nil {
		return state, 0, ""
	}
	parts := strings.Split(hd.Value(), ";")
	switch strings.TrimSpace(strings.ToLower(parts[0])) {
	case "pending":
		state = SubStatePending
	case "terminated":
		state = SubStateTerminated
	}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(strings.ToLower(kv[0])) {
		case "expires":
			if v, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
				expires = v
			}
		case "reason":
			reason = strings.TrimSpace(kv[1])
		}
	}
	return state, expires, reason
}

// requestedExpires возвращает Expires запроса или значение по умолчанию
func requestedExpires(req *sip.Request, def int) int {
	if hd := req.GetHeader("Expires"); hd != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(hd.Value())); err == nil {
			return v
		}
	}
	return def
}

// eventSupported проверяет тип события по списку поддерживаемых
func eventSupported(supported []string, event string) bool {
	for _, s := range supported {
		if strings.EqualFold(s, event) {
			return true
		}
	}
	return false
}
