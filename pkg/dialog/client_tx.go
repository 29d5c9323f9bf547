package dialog

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ClientTx - исходящая транзакция поверх транспортного слоя.
//
// Общий каркас одинаков для всех методов; семантика добавляется хуками
// MethodDescriptor. Жизненный цикл: init (ошибка - отказ до сетевого
// эффекта), build, отправка, мониторинг ответов, автоматические
// рестарты, ровно один финальный отчёт. Отчёт един для реальных ответов
// и синтетических статусов полосы >= 900.
type ClientTx struct {
	handle *Handle
	method sip.RequestMethod
	desc   *MethodDescriptor
	oa     *OpAttrs
	prefs  *Prefs

	// usage - заимствованная ссылка; removeUsage аннулирует её.
	// createdUsage отмечает, что usage создан этой же операцией
	// и при ошибке запуска подлежит откату
	usage        *Usage
	createdUsage bool

	req *sip.Request
	tx  IClientTransaction

	restarts       int
	reported       bool
	restartPending bool
	canceled       bool

	// extraHeaders - заголовки, переживающие рестарты (Authorization)
	extraHeaders []sip.Header

	// retryTimer - отложенный повтор после glare
	retryTimer *time.Timer

	// timer - снимок переговоров таймера сессии (INVITE/UPDATE)
	timer TimerResult
}

// Method возвращает метод транзакции
func (ct *ClientTx) Method() sip.RequestMethod { return ct.method }

// Request возвращает последний отправленный запрос
func (ct *ClientTx) Request() *sip.Request { return ct.req }

// newClientTx создает транзакцию. Вызывается с удержанным h.mu.
func newClientTx(h *Handle, method sip.RequestMethod, attrs ...Attr) *ClientTx {
	oa := collectAttrs(attrs...)
	return &ClientTx{
		handle: h,
		method: method,
		desc:   descriptorFor(method),
		oa:     oa,
		prefs:  oa.resolvePrefs(h.prefs),
	}
}

// start инициализирует и отправляет транзакцию.
// Любая ошибка до передачи транспорту - локальный отказ: никакого
// сетевого эффекта, никаких отчётов, состояние не тронуто.
func (ct *ClientTx) start() error {
	h := ct.handle

	if ct.desc.ClientInit != nil {
		if err := ct.desc.ClientInit(ct); err != nil {
			return err
		}
	}
	if ct.usage != nil {
		if err := ct.usage.bind(ct); err != nil {
			return err
		}
	}

	req, err := ct.buildRequest()
	if err != nil {
		ct.rollback()
		return err
	}
	ct.req = req

	if err := ct.send(req); err != nil {
		ct.rollback()
		return err
	}
	if ct.desc.ClientSent != nil {
		ct.desc.ClientSent(ct)
	}

	h.stack.metrics.TransactionStarted(string(ct.method), "outgoing")
	h.log().Debug(h.ctx, "client transaction started",
		String("handle_id", h.id),
		String("call_id", h.ds.callID),
		String("method", string(ct.method)))
	return nil
}

// buildRequest строит полный запрос: диалоговые заголовки, опции
// операции, метод-специфичный хук, переживающие рестарт заголовки
func (ct *ClientTx) buildRequest() (*sip.Request, error) {
	h := ct.handle

	req := h.buildDialogRequest(ct.method)
	if ct.oa.target != nil {
		req.Recipient = *ct.oa.target
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	ct.oa.applyToRequest(req)
	if ct.desc.ClientBuild != nil {
		if err := ct.desc.ClientBuild(ct, req); err != nil {
			return nil, err
		}
	}
	for _, hd := range ct.extraHeaders {
		setHeader(req, hd)
	}
	return req, nil
}

func (ct *ClientTx) send(req *sip.Request) error {
	tx, err := ct.handle.stack.transport.Request(ct.handle.ctx, req)
	if err != nil {
		return err
	}
	ct.tx = tx
	ct.restartPending = false
	go ct.monitor(tx)
	return nil
}

// monitor читает ответы транзакции. Работает без блокировки и берёт
// мьютекс Handle только на время обработки одного ответа.
func (ct *ClientTx) monitor(tx IClientTransaction) {
	h := ct.handle
	responses := tx.Responses()
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				// Канал закрыт; дальше ждём только Done
				responses = nil
				continue
			}
			h.mu.Lock()
			if ct.tx != tx || ct.reported {
				h.mu.Unlock()
				return
			}
			ct.onResponse(res)
			done := ct.reported
			h.mu.Unlock()
			if done {
				return
			}
		case <-tx.Done():
			err := tx.Err()
			h.mu.Lock()
			if ct.tx == tx && !ct.reported && !ct.restartPending {
				status := classifyTxError(err)
				ct.finish(status, InternalPhrase(status), nil)
			}
			h.mu.Unlock()
			return
		}
	}
}

// classifyTxError переводит ошибку транзакции в синтетический статус
func classifyTxError(err error) int {
	if err == nil {
		return StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return StatusRequestTimeout
	}
	if errors.Is(err, context.Canceled) {
		return StatusCanceled
	}
	return StatusTransportError
}

// onResponse обрабатывает ответ. Вызывается с удержанным h.mu.
func (ct *ClientTx) onResponse(res *sip.Response) {
	h := ct.handle
	status := int(res.StatusCode)

	// Тег пира из первого ответа с тегом фиксирует идентификацию диалога
	if to := res.To(); to != nil && h.ds.remoteTag == "" {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			h.ds.remoteTag = tag
			h.stack.indexHandle(h)
		}
	}

	if status < 200 {
		if status > 100 {
			h.ds.remoteTargetFrom(res.GetHeader("Contact"))
		}
		if ct.desc.ClientPreliminary != nil {
			ct.desc.ClientPreliminary(ct, res)
		}
		return
	}

	if ct.checkRestart(status, res) {
		return
	}

	if status < 300 {
		h.ds.confirmed = true
		h.ds.updateRouteSet(res)
		h.ds.remoteTargetFrom(res.GetHeader("Contact"))
	}
	ct.finish(status, res.Reason, res)
}

// checkRestart решает, перезапускать ли транзакцию по финальному ответу.
// Возвращает true, если рестарт запущен или запланирован.
func (ct *ClientTx) checkRestart(status int, res *sip.Response) bool {
	if ct.canceled || ct.restarts >= ct.prefs.MaxRestarts {
		return false
	}

	switch {
	case (status == 401 || status == 407) && ct.desc.RestartOnAuth:
		return ct.restartWithAuth(status, res)

	case status == StatusSessionIntervalTooSmall && ct.desc.RestartOn422:
		return ct.restartWithMinSE(res)

	case status == StatusConditionalRequestFailed && ct.desc.RestartOn412:
		return ct.restartWithoutETag()

	case status == StatusRequestPending && ct.desc.RestartOnGlare:
		ct.scheduleRestart(glareDelay(ct.handle.isOwner), "glare")
		return true

	case status == 500 && ct.desc.RestartOnGlare:
		if ra := res.GetHeader("Retry-After"); ra != nil {
			if seconds, err := strconv.Atoi(strings.TrimSpace(ra.Value())); err == nil {
				ct.scheduleRestart(time.Duration(seconds)*time.Second, "retry_after")
				return true
			}
		}
		return false
	}
	return false
}

// restartWithAuth повторяет запрос с учётными данными (RFC 2617 digest)
func (ct *ClientTx) restartWithAuth(status int, res *sip.Response) bool {
	h := ct.handle
	user, pass := h.credentials()
	if user == "" {
		return false
	}

	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if status == 407 {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}
	ch := res.GetHeader(challengeHeader)
	if ch == nil {
		return false
	}
	challenge, err := digest.ParseChallenge(ch.Value())
	if err != nil {
		h.log().Warn(h.ctx, "невалидный auth challenge",
			String("call_id", h.ds.callID), Err(err))
		return false
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   string(ct.method),
		URI:      ct.req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		h.log().Warn(h.ctx, "не удалось вычислить digest",
			String("call_id", h.ds.callID), Err(err))
		return false
	}

	ct.extraHeaders = append(ct.extraHeaders, sip.NewHeader(authHeader, cred.String()))
	if ct.desc.ClientPreliminary != nil {
		// Сессия узнаёт о фазе аутентификации как о предварительном шаге
		ct.desc.ClientPreliminary(ct, res)
	}
	return ct.resend("auth")
}

// restartWithMinSE повторяет запрос, подняв Min-SE до требования пира
func (ct *ClientTx) restartWithMinSE(res *sip.Response) bool {
	floor := 0
	if mse := res.GetHeader("Min-SE"); mse != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(mse.Value())); err == nil {
			floor = v
		}
	}
	if floor <= ct.prefs.MinSE {
		return false
	}
	p := ct.prefs.Clone()
	p.MinSE = floor
	if p.SessionExpires < floor {
		p.SessionExpires = floor
	}
	ct.prefs = p
	return ct.resend("min_se")
}

// restartWithoutETag повторяет PUBLISH без SIP-If-Match:
// сохранённый ETag устарел, публикация становится начальной
func (ct *ClientTx) restartWithoutETag() bool {
	if ct.usage == nil || ct.usage.Removed() {
		return false
	}
	if ps, ok := ct.usage.Private().(*publishState); ok {
		ps.etag = ""
	}
	return ct.resend("etag")
}

// scheduleRestart откладывает повтор на delay
func (ct *ClientTx) scheduleRestart(delay time.Duration, reason string) {
	h := ct.handle
	ct.restartPending = true
	ct.restarts++
	h.stack.metrics.TransactionRestarted(string(ct.method), reason)

	ct.retryTimer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		ct.retryTimer = nil
		if ct.reported || ct.canceled {
			return
		}
		if !ct.resendLocked() {
			ct.finish(StatusTransportError, InternalPhrase(StatusTransportError), nil)
		}
	})
}

// resend перестраивает и повторно отправляет запрос
func (ct *ClientTx) resend(reason string) bool {
	ct.restarts++
	ct.handle.stack.metrics.TransactionRestarted(string(ct.method), reason)
	return ct.resendLocked()
}

func (ct *ClientTx) resendLocked() bool {
	h := ct.handle
	old := ct.tx
	req, err := ct.buildRequest()
	if err != nil {
		h.log().LogError(h.ctx, err, "не удалось перестроить запрос для рестарта",
			String("call_id", h.ds.callID), String("method", string(ct.method)))
		return false
	}
	ct.req = req
	if err := ct.send(req); err != nil {
		h.log().LogError(h.ctx, err, "не удалось повторить запрос",
			String("call_id", h.ds.callID), String("method", string(ct.method)))
		return false
	}
	if old != nil {
		old.Terminate()
	}
	return true
}

// Cancel запрашивает отмену транзакции. Для INVITE до финального ответа
// отправляется CANCEL; итог придёт обычным путём (487 от пира или
// синтетический 903).
func (ct *ClientTx) Cancel(reason string) error {
	if ct.reported {
		return nil
	}
	ct.canceled = true
	if ct.retryTimer != nil {
		ct.retryTimer.Stop()
		ct.retryTimer = nil
		// Повтор ещё не отправлен - сетевого эффекта нет
		ct.finish(StatusCanceled, InternalPhrase(StatusCanceled), nil)
		return nil
	}
	if ct.method != sip.INVITE {
		if ct.tx != nil {
			ct.tx.Terminate()
		}
		return nil
	}

	cancel := sip.NewRequest(sip.CANCEL, ct.req.Recipient)
	for _, name := range []string{"Via", "From", "To", "Call-ID", "Max-Forwards", "Route"} {
		for _, hd := range ct.req.GetHeaders(name) {
			cancel.AppendHeader(hd)
		}
	}
	if cseq := ct.req.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	if reason != "" {
		cancel.AppendHeader(sip.NewHeader("Reason", reason))
	}
	return ct.handle.stack.transport.Write(ct.handle.ctx, cancel)
}

// finish выполняет единственный финальный отчёт транзакции.
// Идемпотентен: повторные вызовы игнорируются.
func (ct *ClientTx) finish(status int, phrase string, res *sip.Response) {
	if ct.reported {
		return
	}
	ct.reported = true
	h := ct.handle

	if ct.retryTimer != nil {
		ct.retryTimer.Stop()
		ct.retryTimer = nil
	}

	u := ct.usage
	if u != nil && !u.Removed() {
		u.unbind(ct)
	}

	if u != nil && !u.Removed() {
		u.reporting = true
	}
	if ct.desc.ClientReport != nil {
		ct.desc.ClientReport(ct, status, phrase, res)
	} else {
		ct.genericReport(status, phrase, res)
	}
	if u != nil && !u.Removed() {
		u.reporting = false
		if u.removeQueued {
			u.removeQueued = false
			h.removeUsage(u)
		}
	}

	if IsInternalStatus(status) {
		h.stack.metrics.ErrorOccurred(ErrorCategoryTransport)
	}
	h.log().Debug(h.ctx, "client transaction finished",
		String("handle_id", h.id),
		String("call_id", h.ds.callID),
		String("method", string(ct.method)),
		Int("status", status))
}

// genericReport доставляет EventResponse для методов без своего хука
func (ct *ClientTx) genericReport(status int, phrase string, res *sip.Response) {
	ct.handle.postEvent(&Event{
		Kind:     EventResponse,
		Status:   status,
		Phrase:   phrase,
		Method:   ct.method,
		Response: res,
	})
}

// releaseUsage откатывает привязку при ошибке запуска
func (ct *ClientTx) releaseUsage() {
	if ct.usage != nil && !ct.usage.Removed() {
		ct.usage.unbind(ct)
	}
}

// rollback откатывает эффекты неудачного запуска: снимает привязку и
// убирает usage, созданный этим же вызовом. Без отката usage зависал бы
// в начальном состоянии и блокировал повтор операции.
func (ct *ClientTx) rollback() {
	ct.releaseUsage()
	if ct.createdUsage && ct.usage != nil && !ct.usage.Removed() {
		ct.handle.rollbackUsage(ct.usage)
	}
}

// glareDelay возвращает задержку повтора после 491 (RFC 3261 14.1):
// инициатор диалога ждёт 2.1-4 секунды, остальные - 0-2
func glareDelay(isOwner bool) time.Duration {
	if isOwner {
		return 2100*time.Millisecond + time.Duration(rand.Intn(1900))*time.Millisecond
	}
	return time.Duration(rand.Intn(2000)) * time.Millisecond
}
