package dialog

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ServerTx - входящая транзакция. Каркас общий, семантика - в хуках
// MethodDescriptor. Автоматическая обработка (preprocess) закрывает
// запрос без участия приложения; остальное отдаётся приложению, и оно
// отвечает через Respond. Финальный ответ идемпотентен: первый
// выигрывает, повторные вызовы отвергаются.
type ServerTx struct {
	handle *Handle
	method sip.RequestMethod
	desc   *MethodDescriptor
	prefs  *Prefs

	req *sip.Request
	tx  IServerTransaction

	// usage - заимствованная ссылка, аннулируется removeUsage
	usage *Usage

	finalSent bool
}

// Method возвращает метод запроса
func (st *ServerTx) Method() sip.RequestMethod { return st.method }

// Request возвращает входящий запрос
func (st *ServerTx) Request() *sip.Request { return st.req }

// Handle возвращает владеющий Handle
func (st *ServerTx) Handle() *Handle { return st.handle }

// newServerTx создает серверную транзакцию. Вызывается с удержанным h.mu.
func newServerTx(h *Handle, req *sip.Request, tx IServerTransaction) *ServerTx {
	return &ServerTx{
		handle: h,
		method: req.Method,
		desc:   descriptorFor(req.Method),
		prefs:  h.prefs,
		req:    req,
		tx:     tx,
	}
}

// process проводит запрос через хуки дескриптора.
// Вызывается с удержанным h.mu.
func (st *ServerTx) process() {
	h := st.handle
	h.stack.metrics.TransactionStarted(string(st.method), "incoming")

	if st.desc.ServerInit != nil {
		if err := st.desc.ServerInit(st); err != nil {
			st.respondError(err)
			return
		}
	}
	if st.desc.ServerPreprocess != nil && st.desc.ServerPreprocess(st) {
		return
	}
	if st.desc.ServerReport != nil {
		st.desc.ServerReport(st)
		return
	}
	// Метод без своего хука отдаётся приложению как есть
	h.postEvent(&Event{Kind: EventRequest, Method: st.method, Request: st.req, Tx: st})
}

// Respond отправляет ответ приложения. Безопасен для вызова из
// колбэков событий: берёт мьютекс Handle самостоятельно.
func (st *ServerTx) Respond(status int, phrase string, attrs ...Attr) error {
	st.handle.mu.Lock()
	defer st.handle.mu.Unlock()
	return st.respond(status, phrase, attrs...)
}

// respond - вариант Respond для вызова с уже удержанным h.mu
func (st *ServerTx) respond(status int, phrase string, attrs ...Attr) error {
	if st.finalSent {
		return NewDialogError("ALREADY_RESPONDED",
			"финальный ответ уже отправлен", ErrorCategoryState)
	}

	oa := collectAttrs(attrs...)
	res := sip.NewResponseFromRequest(st.req, sip.StatusCode(status), phrase, nil)
	st.ensureToTag(res)
	oa.applyToResponse(res)

	if st.desc.ServerRespondHook != nil {
		if err := st.desc.ServerRespondHook(st, res); err != nil {
			// Хук забраковал ответ: вместо него уходит отказ
			st.respondError(err)
			return err
		}
	}

	if err := st.send(res); err != nil {
		return err
	}
	if st.desc.ServerResponded != nil {
		st.desc.ServerResponded(st, res)
	}
	return nil
}

// respondProvisional отправляет предварительный ответ без хуков
func (st *ServerTx) respondProvisional(status int, phrase string) {
	if st.finalSent || status >= 200 {
		return
	}
	res := sip.NewResponseFromRequest(st.req, sip.StatusCode(status), phrase, nil)
	if status > 100 {
		st.ensureToTag(res)
	}
	_ = st.send(res)
}

// respondFinal отправляет финальный ответ без хуков дескриптора
func (st *ServerTx) respondFinal(status int, phrase string, body []byte) error {
	res := sip.NewResponseFromRequest(st.req, sip.StatusCode(status), phrase, body)
	st.ensureToTag(res)
	return st.sendFinal(res)
}

// sendFinal отправляет готовый финальный ответ
func (st *ServerTx) sendFinal(res *sip.Response) error {
	st.ensureToTag(res)
	return st.send(res)
}

func (st *ServerTx) send(res *sip.Response) error {
	if st.finalSent {
		return nil
	}
	if err := st.tx.Respond(res); err != nil {
		st.handle.log().LogError(st.handle.ctx, err, "не удалось отправить ответ",
			String("call_id", st.handle.ds.callID),
			String("method", string(st.method)))
		return ErrTransport(err)
	}
	if res.StatusCode >= 200 {
		st.finalSent = true
	}
	return nil
}

// respondError переводит ошибку хука в ответ пиру
func (st *ServerTx) respondError(err error) {
	status := 500
	phrase := "Server Internal Error"
	var retryable bool
	if derr, ok := err.(*DialogError); ok {
		if derr.Status >= 300 && derr.Status < 700 {
			status = derr.Status
			phrase = derr.Message
		}
		retryable = derr.Retryable
		st.handle.stack.metrics.ErrorOccurred(derr.Category)
	}
	if IsInternalStatus(status) {
		status = 500
		phrase = "Server Internal Error"
	}

	res := sip.NewResponseFromRequest(st.req, sip.StatusCode(status), reasonOrDefault(status, phrase), nil)
	st.ensureToTag(res)

	switch {
	case status == 500 && retryable:
		// Glare: пир повторит после случайной паузы (RFC 3261 14.2)
		res.AppendHeader(sip.NewHeader("Retry-After", strconv.Itoa(1+rand.Intn(10))))
	case status == StatusBadEvent:
		res.AppendHeader(sip.NewHeader("Allow-Events", strings.Join(st.prefs.SupportedEvents, ", ")))
	case status == StatusSessionIntervalTooSmall:
		res.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(st.prefs.MinSE)))
	}
	_ = st.sendFinal(res)
}

// ensureToTag проставляет локальный тег диалога в To ответа.
// NewResponseFromRequest сам вписывает случайный тег, если его не было -
// такой тег перезаписывается: пир адресует ACK/BYE по нашему тегу,
// и все ответы диалога обязаны нести один и тот же (RFC 3261 8.2.6.2).
func (st *ServerTx) ensureToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", st.handle.ds.localTag)
}

// reasonOrDefault подставляет человекочитаемую фразу по статусу
func reasonOrDefault(status int, phrase string) string {
	if phrase != "" && !strings.ContainsAny(phrase, "\r\n") && isASCIIPhrase(phrase) {
		return phrase
	}
	switch status {
	case 481:
		return "Call/Transaction Does Not Exist"
	case StatusNotAcceptableHere:
		return "Not Acceptable Here"
	case StatusBadEvent:
		return "Bad Event"
	case StatusRequestPending:
		return "Request Pending"
	default:
		return "Server Internal Error"
	}
}

// isASCIIPhrase отсекает фразы с не-ASCII текстом (сообщения ошибок
// пишутся для логов, в протокол они не годятся)
func isASCIIPhrase(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
