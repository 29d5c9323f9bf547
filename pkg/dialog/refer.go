package dialog

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Переадресация (RFC 3515). Успешный REFER создаёт неявную подписку на
// событие "refer": получатель репортит ход переадресации NOTIFY-ами с
// телом message/sipfrag. Дискриминант неявной подписки - CSeq запроса
// REFER, что позволяет нескольким переадресациям жить в одном диалоге.
// Заголовок Refer-Sub: false (RFC 4488) подавляет подписку с обеих сторон.

const referEventName = "refer"

const sipfragContentType = "message/sipfrag;version=2.0"

// Клиентские хуки REFER

func referClientInit(ct *ClientTx) error {
	if ct.oa.referTo == nil {
		return ErrInvalidTarget("Refer-To не задан")
	}
	if ct.oa.noReferSub {
		return nil
	}
	u, err := ct.handle.addUsage(SubscriberUsageClass, referEventName, "")
	if err != nil {
		return err
	}
	ss := subscriberStateOf(u)
	ss.implicit = true
	ct.usage = u
	ct.createdUsage = true
	return nil
}

func referClientBuild(ct *ClientTx, req *sip.Request) error {
	setHeader(req, sip.NewHeader("Refer-To", ct.oa.referTo.String()))
	if ct.oa.noReferSub {
		setHeader(req, sip.NewHeader("Refer-Sub", "false"))
		return nil
	}
	// Дискриминант подписки известен только после выдачи CSeq
	if cseq := req.CSeq(); cseq != nil && ct.usage != nil && !ct.usage.Removed() {
		ct.usage.eventID = strconv.FormatUint(uint64(cseq.SeqNo), 10)
	}
	return nil
}

func referClientReport(ct *ClientTx, status int, phrase string, res *sip.Response) {
	h := ct.handle
	u := ct.usage

	if u != nil && !u.Removed() {
		ss := subscriberStateOf(u)
		if status >= 200 && status < 300 {
			// Пир обязан прислать начальный NOTIFY; не пришлёт -
			// страховочный таймер закроет подписку
			if ss != nil && ss.substate == SubStateEmbryonic {
				h.scheduleRefresh(u, time.Now().Add(ct.prefs.FetchTimeout))
			}
		} else {
			h.removeUsage(u)
		}
	}

	h.postEvent(&Event{
		Kind:     EventResponse,
		Status:   status,
		Phrase:   phrase,
		Method:   sip.REFER,
		Response: res,
	})
}

// Серверные хуки REFER

func referServerInit(st *ServerTx) error {
	if st.req.GetHeader("Refer-To") == nil {
		e := NewDialogError("REFER_TO_REQUIRED",
			"REFER без Refer-To", ErrorCategoryProtocol)
		e.Status = 400
		return e
	}
	if referSubSuppressed(st.req) {
		return nil
	}
	id := ""
	if cseq := st.req.CSeq(); cseq != nil {
		id = strconv.FormatUint(uint64(cseq.SeqNo), 10)
	}
	u, err := st.handle.addUsage(NotifierUsageClass, referEventName, id)
	if err != nil {
		return err
	}
	st.usage = u
	return nil
}

func referServerRespondHook(st *ServerTx, res *sip.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 && referSubSuppressed(st.req) {
		setHeader(res, sip.NewHeader("Refer-Sub", "false"))
	}
	return nil
}

func referServerResponded(st *ServerTx, res *sip.Response) {
	h := st.handle
	u := st.usage
	status := int(res.StatusCode)
	if u == nil || u.Removed() {
		return
	}
	ns := notifierStateOf(u)
	if status >= 300 {
		h.removeUsage(u)
		return
	}
	if status < 200 || ns == nil {
		return
	}

	// Начальный NOTIFY о принятой переадресации (RFC 3515 2.4.4)
	ns.substate = SubStateActive
	ns.grantedExpires = st.prefs.SubscribeExpires
	event, id := u.Event()
	ct := newClientTx(h, sip.NOTIFY,
		WithEvent(event, id),
		WithHeaderString("Subscription-State",
			"active;expires="+strconv.Itoa(ns.grantedExpires)),
		WithBody(sipfragContentType, []byte("SIP/2.0 100 Trying\r\n")))
	if err := ct.start(); err != nil {
		h.log().LogError(h.ctx, err, "не удалось отправить начальный NOTIFY",
			String("call_id", h.ds.callID))
	}
}

func referServerReport(st *ServerTx) {
	referTo := ""
	if hd := st.req.GetHeader("Refer-To"); hd != nil {
		referTo = hd.Value()
	}
	st.handle.postEvent(&Event{
		Kind:    EventRefer,
		Method:  sip.REFER,
		Phrase:  referTo,
		Request: st.req,
		Tx:      st,
	})
}

// referSubSuppressed проверяет Refer-Sub: false в запросе
func referSubSuppressed(req *sip.Request) bool {
	hd := req.GetHeader("Refer-Sub")
	return hd != nil && strings.EqualFold(strings.TrimSpace(hd.Value()), "false")
}
