package dialog

import (
	"github.com/emiago/sipgo/sip"
)

// Методы, отсутствующие среди констант sipgo
const (
	// MethodPRACK - подтверждение надежного предварительного ответа (RFC 3262)
	MethodPRACK = sip.RequestMethod("PRACK")

	// MethodPUBLISH - публикация состояния события (RFC 3903)
	MethodPUBLISH = sip.RequestMethod("PUBLISH")
)

// MethodDescriptor - статическое описание поведения SIP метода.
//
// Вся метод-специфика транзакций вынесена в таблицу дескрипторов:
// общий каркас ClientTx/ServerTx одинаков для всех методов, а хуки
// дескриптора добавляют семантику (usage, заголовки, обработку ответов,
// отчётность). Дескрипторы неизменяемы после init.
type MethodDescriptor struct {
	Method sip.RequestMethod

	// UsageName - имя класса usage, с которым работает метод
	// (пустая строка - метод не привязывается к usage)
	UsageName string

	// CreatesUsage - клиентская транзакция создаёт usage при отсутствии
	CreatesUsage bool

	// CreatesDialog - метод допустим вне диалога и может его создать
	CreatesDialog bool

	// Семейства автоматических рестартов клиентской транзакции
	RestartOnAuth  bool // 401/407 - повтор с учётными данными
	RestartOn422   bool // 422 - повтор с поднятым Min-SE
	RestartOn412   bool // 412 - повтор без SIP-If-Match
	RestartOnGlare bool // 491, 500 c Retry-After - отложенный повтор

	// Клиентские хуки. Вызываются под мьютексом Handle.

	// ClientInit находит или создаёт usage и валидирует состояние.
	// Ошибка отменяет операцию до любого сетевого эффекта.
	ClientInit func(ct *ClientTx) error

	// ClientBuild добавляет метод-специфичные заголовки и тело
	ClientBuild func(ct *ClientTx, req *sip.Request) error

	// ClientSent вызывается после успешной передачи транспорту;
	// здесь происходят переходы состояния, у которых уже есть
	// сетевой эффект
	ClientSent func(ct *ClientTx)

	// ClientPreliminary обрабатывает предварительный ответ (1xx)
	ClientPreliminary func(ct *ClientTx, res *sip.Response)

	// ClientReport доставляет итог транзакции приложению. Вызывается
	// ровно один раз на финальный статус (реальный или синтетический).
	ClientReport func(ct *ClientTx, status int, phrase string, res *sip.Response)

	// Серверные хуки

	// ServerInit находит или создаёт usage для входящего запроса.
	// Возвращённая ошибка с Status транслируется в ответ пиру.
	ServerInit func(st *ServerTx) error

	// ServerPreprocess выполняет автоматическую обработку; true значит
	// запрос полностью обработан и приложению не отдаётся
	ServerPreprocess func(st *ServerTx) bool

	// ServerRespondHook дорабатывает исходящий ответ приложения.
	// Ошибка заменяет ответ на отказ (например, 488 при сбое медиа).
	ServerRespondHook func(st *ServerTx, res *sip.Response) error

	// ServerResponded вызывается после успешной отправки ответа;
	// здесь происходят переходы состояния
	ServerResponded func(st *ServerTx, res *sip.Response)

	// ServerReport доставляет входящий запрос приложению
	ServerReport func(st *ServerTx)
}

// methodTable - таблица дескрипторов. Методы без записи получают
// genericDescriptor: простая внутридиалоговая транзакция с отчётом
// EventResponse/EventRequest.
var methodTable map[sip.RequestMethod]*MethodDescriptor

// genericDescriptor обслуживает методы без собственной записи
// (INFO, OPTIONS, MESSAGE и нестандартные)
var genericDescriptor = &MethodDescriptor{
	RestartOnAuth: true,
}

func init() {
	methodTable = map[sip.RequestMethod]*MethodDescriptor{
		sip.INVITE: {
			Method:         sip.INVITE,
			UsageName:      sessionUsageName,
			CreatesUsage:   true,
			CreatesDialog:  true,
			RestartOnAuth:  true,
			RestartOn422:   true,
			RestartOnGlare: true,

			ClientInit:        sessionClientInit,
			ClientBuild:       sessionClientBuild,
			ClientSent:        sessionClientSent,
			ClientPreliminary: sessionClientPreliminary,
			ClientReport:      sessionClientReport,

			ServerInit:        sessionServerInit,
			ServerPreprocess:  sessionServerPreprocess,
			ServerRespondHook: sessionServerRespondHook,
			ServerResponded:   sessionServerResponded,
			ServerReport:      sessionServerReport,
		},
		sip.BYE: {
			Method:    sip.BYE,
			UsageName: sessionUsageName,

			ClientInit:   byeClientInit,
			ClientReport: byeClientReport,

			ServerInit:       byeServerInit,
			ServerPreprocess: byeServerPreprocess,
		},
		sip.CANCEL: {
			Method:    sip.CANCEL,
			UsageName: sessionUsageName,

			ClientReport: cancelClientReport,
		},
		sip.UPDATE: {
			Method:         sip.UPDATE,
			UsageName:      sessionUsageName,
			RestartOnAuth:  true,
			RestartOn422:   true,
			RestartOnGlare: true,

			ClientInit:   updateClientInit,
			ClientBuild:  updateClientBuild,
			ClientReport: updateClientReport,

			ServerPreprocess: updateServerPreprocess,
		},
		MethodPRACK: {
			Method:    MethodPRACK,
			UsageName: sessionUsageName,

			ClientReport: prackClientReport,
		},
		sip.SUBSCRIBE: {
			Method:        sip.SUBSCRIBE,
			UsageName:     subscriberUsageName,
			CreatesUsage:  true,
			CreatesDialog: true,
			RestartOnAuth: true,

			ClientInit:   subscribeClientInit,
			ClientBuild:  subscribeClientBuild,
			ClientReport: subscribeClientReport,

			ServerInit:        subscribeServerInit,
			ServerRespondHook: subscribeServerRespondHook,
			ServerResponded:   subscribeServerResponded,
			ServerReport:      subscribeServerReport,
		},
		sip.NOTIFY: {
			Method:        sip.NOTIFY,
			UsageName:     notifierUsageName,
			RestartOnAuth: true,

			ClientInit:   notifyClientInit,
			ClientBuild:  notifyClientBuild,
			ClientReport: notifyClientReport,

			ServerInit:       notifyServerInit,
			ServerPreprocess: notifyServerPreprocess,
		},
		sip.REFER: {
			Method:        sip.REFER,
			UsageName:     subscriberUsageName,
			CreatesUsage:  true,
			CreatesDialog: true,
			RestartOnAuth: true,

			ClientInit:   referClientInit,
			ClientBuild:  referClientBuild,
			ClientReport: referClientReport,

			ServerInit:        referServerInit,
			ServerRespondHook: referServerRespondHook,
			ServerResponded:   referServerResponded,
			ServerReport:      referServerReport,
		},
		MethodPUBLISH: {
			Method:        MethodPUBLISH,
			UsageName:     publishUsageName,
			CreatesUsage:  true,
			CreatesDialog: true,
			RestartOnAuth: true,
			RestartOn412:  true,

			ClientInit:   publishClientInit,
			ClientBuild:  publishClientBuild,
			ClientReport: publishClientReport,
		},
	}
}

// descriptorFor возвращает дескриптор метода
func descriptorFor(method sip.RequestMethod) *MethodDescriptor {
	if d, ok := methodTable[method]; ok {
		return d
	}
	return genericDescriptor
}
