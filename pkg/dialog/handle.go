package dialog

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Handle - операционная ручка диалога и его usages.
//
// Модель блокировок: один мьютекс на Handle защищает DialogState, все
// usages и их приватные блоки. Таймеры и мониторы транзакций берут
// мьютекс сами. События доставляются вне мьютекса через очередь:
// для одного Handle колбэки строго последовательны.
type Handle struct {
	id string
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	stack   *Stack
	profile *Profile
	prefs   *Prefs
	ds      *DialogState

	media   IMediaSession
	handler EventHandler
	appData any

	authUser string
	authPass string

	// isOwner - Handle создал диалог (определяет паузу при glare)
	isOwner bool

	destroyed bool

	// Очередь событий: postEvent добавляет под мьютексом, единственная
	// горутина доставки выгребает вне его
	evQueue    []*Event
	evDraining bool
}

func newHandle(stack *Stack, ds *DialogState, isOwner bool) *Handle {
	ctx, cancel := context.WithCancel(stack.ctx)
	return &Handle{
		id:      fmt.Sprintf("h-%d", nextHandleID()),
		ctx:     ctx,
		cancel:  cancel,
		stack:   stack,
		profile: stack.profile,
		prefs:   stack.prefs,
		ds:      ds,
		isOwner: isOwner,
	}
}

// ID возвращает идентификатор Handle
func (h *Handle) ID() string { return h.id }

// CallID возвращает Call-ID диалога
func (h *Handle) CallID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ds.callID
}

// LocalTag возвращает локальный тег диалога
func (h *Handle) LocalTag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ds.localTag
}

// RemoteTag возвращает удалённый тег диалога
func (h *Handle) RemoteTag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ds.remoteTag
}

// UsageCount возвращает число usages диалога
func (h *Handle) UsageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ds.UsageCount()
}

// SetCredentials задает учётные данные для digest аутентификации
func (h *Handle) SetCredentials(user, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authUser = user
	h.authPass = password
}

// SetMedia привязывает медиа-сессию для автоматических offer/answer
// переговоров. Без неё тела SDP полностью на приложении.
func (h *Handle) SetMedia(media IMediaSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.media = media
}

// SetEventHandler задает обработчик событий Handle.
// Без него события уходят в обработчик стека.
func (h *Handle) SetEventHandler(handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SetAppData привязывает контекст приложения; он попадает в каждое событие
func (h *Handle) SetAppData(data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appData = data
}

// AppData возвращает контекст приложения
func (h *Handle) AppData() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appData
}

// SetPrefs заменяет снимок настроек Handle.
// Начатые операции продолжают видеть прежний снимок.
func (h *Handle) SetPrefs(p *Prefs) {
	if p == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs = p.Clone()
}

func (h *Handle) log() StructuredLogger {
	return h.stack.logger
}

// credentials возвращает учётные данные Handle, иначе стека
func (h *Handle) credentials() (user, pass string) {
	if h.authUser != "" {
		return h.authUser, h.authPass
	}
	return h.stack.authUser, h.stack.authPass
}

// Исходящие операции. Каждая строит клиентскую транзакцию через
// таблицу дескрипторов; ошибка означает локальный отказ без сетевого
// эффекта, итог успешной операции придёт событием.

// Invite начинает INVITE-сессию или re-INVITE из установленной сессии
func (h *Handle) Invite(attrs ...Attr) error {
	return h.runClientTx(sip.INVITE, attrs...)
}

// Bye завершает INVITE-сессию
func (h *Handle) Bye(attrs ...Attr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return h.errDestroyed()
	}
	u := h.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil {
		return ErrUsageNotFound(sessionUsageName, "")
	}
	if ss.byeSent {
		return nil
	}
	ct := newClientTx(h, sip.BYE, attrs...)
	if err := ct.start(); err != nil {
		return err
	}
	ss.byeSent = true
	h.resetRefresh(u)
	h.setCallState(u, CallStateTerminating, &Event{Method: sip.BYE})
	return nil
}

// CancelInvite отменяет ожидающий исходящий INVITE
func (h *Handle) CancelInvite(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ss := sessionStateOf(h.sessionUsage())
	if ss == nil || ss.inviteCt == nil {
		state := CallStateInit
		if ss != nil {
			state = ss.state
		}
		return ErrInvalidCallState(state, "CANCEL")
	}
	return ss.inviteCt.Cancel(reason)
}

// Ack подтверждает 2xx на INVITE вручную (при выключенном AutoAck)
func (h *Handle) Ack() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u := h.sessionUsage()
	ss := sessionStateOf(u)
	if ss == nil || ss.state != CallStateCompleting || ss.lastInvite == nil {
		state := CallStateInit
		if ss != nil {
			state = ss.state
		}
		return ErrInvalidCallState(state, "ACK")
	}
	h.ackSession(u, ss.lastInvite)
	return nil
}

// Update отправляет UPDATE (обновление сессии и/или переговоры таймера)
func (h *Handle) Update(attrs ...Attr) error {
	return h.runClientTx(sip.UPDATE, attrs...)
}

// Info отправляет INFO внутри диалога
func (h *Handle) Info(attrs ...Attr) error {
	return h.runClientTx(sip.INFO, attrs...)
}

// Message отправляет MESSAGE
func (h *Handle) Message(attrs ...Attr) error {
	return h.runClientTx(sip.MESSAGE, attrs...)
}

// Options отправляет OPTIONS
func (h *Handle) Options(attrs ...Attr) error {
	return h.runClientTx(sip.OPTIONS, attrs...)
}

// Refer переадресует пира на цель WithReferTo.
// Успех создаёт неявную подписку на ход переадресации (если не
// подавлена WithoutReferSub).
func (h *Handle) Refer(attrs ...Attr) error {
	return h.runClientTx(sip.REFER, attrs...)
}

// Subscribe создаёт или продлевает подписку на событие WithEvent.
// WithExpires(0) означает fetch для новой подписки и отписку для
// существующей.
func (h *Handle) Subscribe(attrs ...Attr) error {
	return h.runClientTx(sip.SUBSCRIBE, attrs...)
}

// Notify отправляет NOTIFY по существующей нотификаторской подписке
func (h *Handle) Notify(attrs ...Attr) error {
	return h.runClientTx(sip.NOTIFY, attrs...)
}

// Publish публикует состояние события WithEvent (RFC 3903).
// Повторный вызов обновляет публикацию по сохранённому ETag;
// WithExpires(0) снимает её.
func (h *Handle) Publish(attrs ...Attr) error {
	return h.runClientTx(MethodPUBLISH, attrs...)
}

// Request отправляет произвольный метод внутри диалога
func (h *Handle) Request(method sip.RequestMethod, attrs ...Attr) error {
	return h.runClientTx(method, attrs...)
}

func (h *Handle) runClientTx(method sip.RequestMethod, attrs ...Attr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return h.errDestroyed()
	}
	ct := newClientTx(h, method, attrs...)
	return ct.start()
}

func (h *Handle) errDestroyed() error {
	e := NewDialogError("HANDLE_DESTROYED", "Handle уже уничтожен", ErrorCategoryState)
	e.HandleID = h.id
	return e
}

// Shutdown корректно завершает все usages диалога: сессии сносятся
// через BYE/CANCEL, подписки - отпиской. Handle уничтожается после
// удаления последнего usage; финалом приходит EventShutdown.
func (h *Handle) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	if h.ds.Empty() {
		h.maybeDestroy()
		return
	}
	h.shutdownUsages()
}

// Close принудительно уничтожает Handle без сетевого прощания
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	for _, u := range append([]*Usage(nil), h.ds.usages...) {
		h.removeUsage(u)
	}
	h.maybeDestroy()
}

// maybeDestroy уничтожает Handle, когда usages не осталось.
// Вызывается с удержанным h.mu.
func (h *Handle) maybeDestroy() {
	if h.destroyed || !h.ds.Empty() {
		return
	}
	h.destroyed = true
	h.postEvent(&Event{Kind: EventShutdown})
	h.cancel()
	h.stack.unindexHandle(h)
	h.stack.metrics.HandleDestroyed()
	h.log().Debug(h.ctx, "handle destroyed",
		String("handle_id", h.id),
		String("call_id", h.ds.callID))
}

// postEvent ставит событие в очередь доставки. Вызывается с удержанным
// h.mu; колбэк приложения выполняется вне мьютекса, строго
// последовательно в порядке постановки.
func (h *Handle) postEvent(ev *Event) {
	ev.Handle = h
	ev.AppData = h.appData
	h.evQueue = append(h.evQueue, ev)
	if h.evDraining {
		return
	}
	h.evDraining = true
	go h.drainEvents()
}

func (h *Handle) drainEvents() {
	for {
		h.mu.Lock()
		if len(h.evQueue) == 0 {
			h.evDraining = false
			h.mu.Unlock()
			return
		}
		ev := h.evQueue[0]
		h.evQueue = h.evQueue[1:]
		handler := h.handler
		h.mu.Unlock()

		if handler == nil {
			handler = h.stack.handler
		}
		if handler != nil {
			handler(ev)
		}
	}
}
