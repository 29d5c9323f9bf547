package dialog

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// DialogState - состояние SIP диалога: идентификация, маршрутизация,
// нумерация и список usages. Принадлежит ровно одному Handle.
type DialogState struct {
	callID    string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	localTarget  sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.RouteHeader

	localSeq  uint32
	remoteSeq uint32

	// confirmed: диалог подтверждён финальным 2xx (иначе - ранний)
	confirmed bool

	usages []*Usage
}

// CallID возвращает Call-ID диалога
func (ds *DialogState) CallID() string { return ds.callID }

// LocalTag возвращает локальный тег
func (ds *DialogState) LocalTag() string { return ds.localTag }

// RemoteTag возвращает удалённый тег
func (ds *DialogState) RemoteTag() string { return ds.remoteTag }

// Confirmed сообщает, подтверждён ли диалог (ранний vs подтверждённый)
func (ds *DialogState) Confirmed() bool { return ds.confirmed }

// Empty сообщает, остались ли в диалоге usages
func (ds *DialogState) Empty() bool { return len(ds.usages) == 0 }

// UsageCount возвращает число usages в диалоге
func (ds *DialogState) UsageCount() int { return len(ds.usages) }

// Операции реестра usages. Все методы вызываются с удержанным h.mu.

// addUsage создаёт usage класса class с дискриминантом (event, id).
//
// Уникальность: не более одного usage на пару (класс, событие);
// usage, владеющий диалогом (INVITE-сессия), уникален в принципе.
// Ошибка из class.Add откатывает создание.
func (h *Handle) addUsage(class UsageClass, event, id string) (*Usage, error) {
	ds := h.ds
	for _, u := range ds.usages {
		if u.class.Name() != class.Name() {
			continue
		}
		if class.OwnsDialog() || u.matches(event, id) {
			return nil, ErrUsageExists(class.Name(), event)
		}
	}

	u := &Usage{class: class, event: event, eventID: id}
	private, err := class.Add(h, u)
	if err != nil {
		return nil, err
	}
	u.private = private
	ds.usages = append(ds.usages, u)

	h.log().Debug(h.ctx, "usage added",
		String("handle_id", h.id),
		String("call_id", ds.callID),
		String("class", class.Name()),
		String("event", event))
	h.stack.metrics.UsageAdded(class.Name())
	return u, nil
}

// removeUsage удаляет usage из диалога.
//
// Порядок критичен: сначала отвязывается клиентская транзакция
// (она продолжает жить независимо, но её ссылка на usage аннулируется),
// затем снимается таймер обновления, затем вызывается class.Remove,
// и только после этого usage помечается удалённым.
//
// Если по usage прямо сейчас идёт отчёт (reporting), удаление
// откладывается до конца отчёта - колбэки сноса не должны рекурсивно
// разрушать состояние под собственным стеком.
func (h *Handle) removeUsage(u *Usage) {
	if u == nil || u.removed {
		return
	}
	if u.reporting {
		u.removeQueued = true
		return
	}

	if u.boundTx != nil {
		u.boundTx.usage = nil
		u.boundTx = nil
	}
	h.resetRefresh(u)

	u.class.Remove(h, u)

	ds := h.ds
	for i, present := range ds.usages {
		if present == u {
			ds.usages = append(ds.usages[:i], ds.usages[i+1:]...)
			break
		}
	}
	u.removed = true
	u.private = nil

	h.log().Debug(h.ctx, "usage removed",
		String("handle_id", h.id),
		String("call_id", ds.callID),
		String("class", u.class.Name()),
		String("event", u.event))
	h.stack.metrics.UsageRemoved(u.class.Name())

	if ds.Empty() {
		h.maybeDestroy()
	}
}

// rollbackUsage тихо убирает usage, созданный проваленной операцией.
//
// В отличие от removeUsage здесь нет class.Remove, событий и проверки
// на опустевший диалог: usage не успел получить сетевой эффект, поэтому
// его снос не должен ни оповещать приложение, ни разрушать Handle -
// иначе повтор той же операции стал бы невозможен.
func (h *Handle) rollbackUsage(u *Usage) {
	if u == nil || u.removed {
		return
	}
	if u.boundTx != nil {
		u.boundTx.usage = nil
		u.boundTx = nil
	}
	h.resetRefresh(u)

	ds := h.ds
	for i, present := range ds.usages {
		if present == u {
			ds.usages = append(ds.usages[:i], ds.usages[i+1:]...)
			break
		}
	}
	u.removed = true
	u.private = nil
	h.stack.metrics.UsageRemoved(u.class.Name())
}

// findUsage ищет usage класса по дискриминанту.
// Правило: точное совпадение, если обе стороны задали дискриминант;
// иначе подходит единственный wildcard usage (без дискриминанта).
func (h *Handle) findUsage(className, event, id string) *Usage {
	var wildcard *Usage
	for _, u := range h.ds.usages {
		if u.class.Name() != className {
			continue
		}
		if u.matches(event, id) {
			return u
		}
		if u.event == "" {
			wildcard = u
		}
	}
	return wildcard
}

// sessionUsage возвращает единственный usage INVITE-сессии, если он есть
func (h *Handle) sessionUsage() *Usage {
	for _, u := range h.ds.usages {
		if u.class.Name() == sessionUsageName {
			return u
		}
	}
	return nil
}

// scheduleRefresh устанавливает единственную точку обновления usage.
// Повторный вызов заменяет предыдущий таймер: в любой момент времени
// на usage висит не более одного отложенного обновления.
func (h *Handle) scheduleRefresh(u *Usage, at time.Time) {
	if u.removed {
		return
	}
	h.resetRefresh(u)
	u.refreshAt = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	u.refreshTimer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if u.removed || u.refreshTimer == nil {
			return
		}
		u.refreshTimer = nil
		u.refreshAt = time.Time{}
		u.class.Refresh(h, u, time.Now())
	})
}

// resetRefresh снимает отложенное обновление usage
func (h *Handle) resetRefresh(u *Usage) {
	if u.refreshTimer != nil {
		u.refreshTimer.Stop()
		u.refreshTimer = nil
	}
	u.refreshAt = time.Time{}
}

// shutdownUsages запускает завершение всех usages диалога.
//
// Каждый usage голосует через class.Shutdown; проголосовавшие "готов"
// удаляются сразу. Оставшиеся опрашиваются повторно с интервалом, и
// после исчерпания ShutdownRetries снимаются принудительно.
// Возвращает true, если все usages завершены синхронно.
func (h *Handle) shutdownUsages() bool {
	return h.shutdownRound(h.prefs.ShutdownRetries)
}

func (h *Handle) shutdownRound(retriesLeft int) bool {
	pending := false
	for _, u := range append([]*Usage(nil), h.ds.usages...) {
		if u.removed {
			continue
		}
		if u.class.Shutdown(h, u) {
			h.removeUsage(u)
		} else {
			pending = true
		}
	}
	if !pending {
		return true
	}
	if retriesLeft <= 0 {
		// Лимит исчерпан: снимаем оставшиеся usages принудительно
		for _, u := range append([]*Usage(nil), h.ds.usages...) {
			h.removeUsage(u)
		}
		return true
	}
	time.AfterFunc(shutdownRetryInterval, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.destroyed {
			h.shutdownRound(retriesLeft - 1)
		}
	})
	return false
}

// shutdownRetryInterval - пауза между раундами опроса usages при завершении
const shutdownRetryInterval = 500 * time.Millisecond

// buildDialogRequest строит внутридиалоговый запрос с заголовками
// From/To/Call-ID/CSeq/Route по состоянию диалога
func (h *Handle) buildDialogRequest(method sip.RequestMethod) *sip.Request {
	ds := h.ds

	target := ds.remoteTarget
	if target.Host == "" {
		target = ds.remoteURI
	}
	req := sip.NewRequest(method, target)

	from := &sip.FromHeader{Address: ds.localURI, Params: sip.NewParams()}
	if ds.localTag != "" {
		from.Params.Add("tag", ds.localTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: ds.remoteURI, Params: sip.NewParams()}
	if ds.remoteTag != "" {
		to.Params.Add("tag", ds.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(ds.callID)
	req.AppendHeader(&callID)

	if method != sip.ACK && method != sip.CANCEL {
		ds.localSeq++
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: ds.localSeq, MethodName: method})

	req.AppendHeader(h.profile.Contact())
	for i := range ds.routeSet {
		req.AppendHeader(&ds.routeSet[i])
	}
	req.AppendHeader(sip.NewHeader("User-Agent", h.prefs.UserAgent))
	return req
}

// updateRouteSet собирает route set из Record-Route финального ответа
// (в обратном порядке, как положено UAC)
func (ds *DialogState) updateRouteSet(res *sip.Response) {
	rrs := res.GetHeaders("Record-Route")
	if len(rrs) == 0 {
		return
	}
	ds.routeSet = ds.routeSet[:0]
	for i := len(rrs) - 1; i >= 0; i-- {
		if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
			ds.routeSet = append(ds.routeSet, sip.RouteHeader{Address: rr.Address})
		}
	}
}

// remoteTargetFrom обновляет remote target из Contact сообщения
func (ds *DialogState) remoteTargetFrom(contact sip.Header) {
	if ch, ok := contact.(*sip.ContactHeader); ok && ch != nil {
		ds.remoteTarget = ch.Address
	}
}
