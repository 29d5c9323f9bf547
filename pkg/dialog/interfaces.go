package dialog

import (
	"github.com/emiago/sipgo/sip"
)

// CallState определяет состояния INVITE-сессии.
//
// Сессия проходит линейный путь от CallStateInit до CallStateReady и далее
// к CallStateTerminated. Порядок состояний монотонный: единственные
// разрешённые "откаты" - переход в CallStateTerminated из любого состояния
// и возврат CallStateAuthenticating -> CallStateCalling при повторе запроса
// с учётными данными.
type CallState int

const (
	// CallStateInit - сессии ещё нет
	CallStateInit CallState = iota

	// CallStateCalling - INVITE отправлен, ответов нет
	CallStateCalling

	// CallStateProceeding - получен предварительный ответ без тега диалога
	CallStateProceeding

	// CallStateReceived - входящий INVITE получен, финального ответа нет
	CallStateReceived

	// CallStateEarly - ранний диалог (предварительный ответ с тегом)
	CallStateEarly

	// CallStateCompleting - получен 2xx, ожидается отправка ACK
	CallStateCompleting

	// CallStateCompleted - отправлен 2xx, ожидается ACK от пира
	CallStateCompleted

	// CallStateReady - сессия установлена
	CallStateReady

	// CallStateAuthenticating - получен 401/407, ожидается повтор с
	// учётными данными
	CallStateAuthenticating

	// CallStateTerminating - отправлен или получен BYE/CANCEL
	CallStateTerminating

	// CallStateTerminated - сессия завершена
	CallStateTerminated
)

var callStateNames = map[CallState]string{
	CallStateInit:           "init",
	CallStateCalling:        "calling",
	CallStateProceeding:     "proceeding",
	CallStateReceived:       "received",
	CallStateEarly:          "early",
	CallStateCompleting:     "completing",
	CallStateCompleted:      "completed",
	CallStateReady:          "ready",
	CallStateAuthenticating: "authenticating",
	CallStateTerminating:    "terminating",
	CallStateTerminated:     "terminated",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// SubscriptionState определяет под-состояния event usage
// (SUBSCRIBE/NOTIFY, REFER, PUBLISH) согласно RFC 6665.
type SubscriptionState int

const (
	// SubStateEmbryonic - подписка запрошена, NOTIFY ещё не было
	SubStateEmbryonic SubscriptionState = iota

	// SubStatePending - нотификатор принял подписку, но не авторизовал
	SubStatePending

	// SubStateActive - подписка активна
	SubStateActive

	// SubStateTerminated - подписка завершена
	SubStateTerminated
)

var subStateNames = map[SubscriptionState]string{
	SubStateEmbryonic:  "embryonic",
	SubStatePending:    "pending",
	SubStateActive:     "active",
	SubStateTerminated: "terminated",
}

func (s SubscriptionState) String() string {
	if name, ok := subStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Refresher определяет сторону, ответственную за периодическое обновление
// сессии или подписки (RFC 4028).
type Refresher int

const (
	// RefresherNone - таймер сессии не активен
	RefresherNone Refresher = iota

	// RefresherLocal - обновляет локальная сторона
	RefresherLocal

	// RefresherRemote - обновляет удалённая сторона
	RefresherRemote
)

func (r Refresher) String() string {
	switch r {
	case RefresherLocal:
		return "local"
	case RefresherRemote:
		return "remote"
	default:
		return "none"
	}
}

// OAFlags - одноразовые флаги направления offer/answer обмена.
// Выставляются транзакцией при обработке тела сообщения, публикуются
// в ближайшем событии и сбрасываются.
type OAFlags struct {
	OfferSent  bool
	OfferRecv  bool
	AnswerSent bool
	AnswerRecv bool
}

// Any возвращает true, если хотя бы один флаг выставлен
func (f OAFlags) Any() bool {
	return f.OfferSent || f.OfferRecv || f.AnswerSent || f.AnswerRecv
}

// EventKind - тип события, доставляемого приложению.
type EventKind int

const (
	// EventCallState - изменение состояния INVITE-сессии
	EventCallState EventKind = iota

	// EventResponse - завершение исходящей транзакции (финальный ответ
	// или синтетический статус >= 900)
	EventResponse

	// EventRequest - входящий запрос, отданный приложению после
	// автоматической обработки
	EventRequest

	// EventSubscription - изменение под-состояния подписки
	EventSubscription

	// EventPublish - изменение состояния публикации
	EventPublish

	// EventShutdown - завершение всех usages диалога
	EventShutdown

	// EventRefer - принятый REFER (входящая переадресация)
	EventRefer
)

var eventKindNames = map[EventKind]string{
	EventCallState:    "call_state",
	EventResponse:     "response",
	EventRequest:      "request",
	EventSubscription: "subscription",
	EventPublish:      "publish",
	EventShutdown:     "shutdown",
	EventRefer:        "refer",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event - единица асинхронного потока событий к приложению.
//
// Каждый отчёт о смене состояния или завершении транзакции проходит через
// ровно одно такое событие, независимо от источника (ответ пира,
// ошибка транспорта, ошибка медиа-переговоров, таймаут). Статусы >= 900
// зарезервированы под внутренние ошибки: реального ответа пира не было.
type Event struct {
	Kind   EventKind
	Status int
	Phrase string

	// Handle - владелец события
	Handle *Handle

	// Method - SIP метод транзакции, породившей событие (если применимо)
	Method sip.RequestMethod

	// CallState - состояние сессии на момент отчёта
	CallState CallState

	// SubState - под-состояние подписки (для EventSubscription)
	SubState SubscriptionState

	// OA - одноразовые флаги offer/answer, вычисленные владеющей транзакцией
	OA OAFlags

	// Refresher - согласованная роль обновления сессии (RFC 4028)
	Refresher Refresher

	// Request/Response - сообщение, породившее событие (может быть nil)
	Request  *sip.Request
	Response *sip.Response

	// Tx - серверная транзакция для ответа приложения (EventRequest,
	// EventRefer и входящие SUBSCRIBE)
	Tx *ServerTx

	// AppData - контекст приложения, привязанный к Handle
	AppData any
}

// EventHandler - колбэк доставки событий приложению.
// Вызывается последовательно для одного Handle; для разных Handle
// может вызываться параллельно.
type EventHandler func(ev *Event)
