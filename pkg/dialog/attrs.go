package dialog

import (
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// Атрибуты операции: упорядоченный список типизированных опций,
// конфигурирующих каждую операцию. Опции запроса переопределяют
// настройки Handle, которые в свою очередь переопределяют процессные
// значения по умолчанию.

// Attr - опция операции
type Attr func(*OpAttrs)

// OpAttrs - собранные атрибуты одной операции
type OpAttrs struct {
	// Модификации сообщения
	headers     []sip.Header
	replaced    []sip.Header
	body        []byte
	contentType string

	// Параметры usage
	event   string
	eventID string
	expires *int

	// Переопределения session timer
	sessionExpires *int
	minSE          *int
	refresher      *Refresher

	// Прочее
	target     *sip.Uri
	referTo    *sip.Uri
	noReferSub bool
	reason     string
	prefsEdits []func(*Prefs)
}

// headerDest - общая для запросов и ответов часть работы с заголовками
type headerDest interface {
	GetHeader(name string) sip.Header
	AppendHeader(header sip.Header)
	ReplaceHeader(header sip.Header)
}

// setHeader заменяет существующий заголовок или добавляет отсутствующий.
// ReplaceHeader из sipgo молча игнорирует заголовок, которого в сообщении
// ещё нет.
func setHeader(msg headerDest, header sip.Header) {
	if msg.GetHeader(header.Name()) == nil {
		msg.AppendHeader(header)
		return
	}
	msg.ReplaceHeader(header)
}

// collectAttrs собирает опции операции в один набор
func collectAttrs(attrs ...Attr) *OpAttrs {
	oa := &OpAttrs{}
	for _, attr := range attrs {
		if attr != nil {
			attr(oa)
		}
	}
	return oa
}

// resolvePrefs применяет переопределения операции поверх снимка Handle
func (oa *OpAttrs) resolvePrefs(base *Prefs) *Prefs {
	if len(oa.prefsEdits) == 0 && oa.sessionExpires == nil && oa.minSE == nil && oa.refresher == nil {
		return base
	}
	p := base.Clone()
	if oa.sessionExpires != nil {
		p.SessionExpires = *oa.sessionExpires
	}
	if oa.minSE != nil {
		p.MinSE = *oa.minSE
	}
	if oa.refresher != nil {
		p.Refresher = *oa.refresher
	}
	for _, edit := range oa.prefsEdits {
		edit(p)
	}
	return p
}

// applyToRequest применяет модификации сообщения к запросу
func (oa *OpAttrs) applyToRequest(req *sip.Request) {
	for _, h := range oa.replaced {
		setHeader(req, h)
	}
	for _, h := range oa.headers {
		req.AppendHeader(h)
	}
	if oa.expires != nil {
		setHeader(req, sip.NewHeader("Expires", strconv.Itoa(*oa.expires)))
	}
	if oa.body != nil {
		req.SetBody(oa.body)
		if oa.contentType != "" {
			ct := sip.ContentTypeHeader(oa.contentType)
			setHeader(req, &ct)
		}
	}
}

// applyToResponse применяет модификации сообщения к ответу
func (oa *OpAttrs) applyToResponse(res *sip.Response) {
	for _, h := range oa.replaced {
		setHeader(res, h)
	}
	for _, h := range oa.headers {
		res.AppendHeader(h)
	}
	if oa.expires != nil {
		setHeader(res, sip.NewHeader("Expires", strconv.Itoa(*oa.expires)))
	}
	if oa.body != nil {
		res.SetBody(oa.body)
		if oa.contentType != "" {
			ct := sip.ContentTypeHeader(oa.contentType)
			setHeader(res, &ct)
		}
	}
}

// Базовые опции для работы с заголовками

// WithHeader добавляет заголовок к запросу
func WithHeader(header sip.Header) Attr {
	return func(oa *OpAttrs) {
		oa.headers = append(oa.headers, header)
	}
}

// WithHeaderString добавляет заголовок по имени и значению
func WithHeaderString(name, value string) Attr {
	return func(oa *OpAttrs) {
		oa.headers = append(oa.headers, sip.NewHeader(name, value))
	}
}

// WithReplaceHeader заменяет существующий заголовок
func WithReplaceHeader(header sip.Header) Attr {
	return func(oa *OpAttrs) {
		oa.replaced = append(oa.replaced, header)
	}
}

// WithBody устанавливает тело запроса и Content-Type
func WithBody(contentType string, content []byte) Attr {
	return func(oa *OpAttrs) {
		oa.contentType = contentType
		oa.body = content
	}
}

// WithSDP устанавливает SDP тело запроса.
// Обычно тело подставляется медиа-переговорщиком автоматически;
// опция нужна для приложений, управляющих SDP самостоятельно.
func WithSDP(content []byte) Attr {
	return WithBody("application/sdp", content)
}

// Опции usage и подписок

// WithEvent задает тип события и опциональный id для SUBSCRIBE/NOTIFY/PUBLISH
func WithEvent(event string, id ...string) Attr {
	return func(oa *OpAttrs) {
		oa.event = event
		if len(id) > 0 {
			oa.eventID = id[0]
		}
	}
}

// WithExpires задает заголовок Expires в секундах
func WithExpires(seconds int) Attr {
	return func(oa *OpAttrs) {
		oa.expires = &seconds
	}
}

// WithReferTo задает цель переадресации для REFER
func WithReferTo(target sip.Uri) Attr {
	return func(oa *OpAttrs) {
		oa.referTo = &target
	}
}

// WithoutReferSub подавляет создание неявной подписки при REFER
// (Refer-Sub: false, RFC 4488)
func WithoutReferSub() Attr {
	return func(oa *OpAttrs) {
		oa.noReferSub = true
	}
}

// Опции session timer (RFC 4028)

// WithSessionExpires переопределяет желаемый интервал сессии
func WithSessionExpires(seconds int) Attr {
	return func(oa *OpAttrs) {
		oa.sessionExpires = &seconds
	}
}

// WithMinSE переопределяет минимальный интервал сессии
func WithMinSE(seconds int) Attr {
	return func(oa *OpAttrs) {
		oa.minSE = &seconds
	}
}

// WithRefresher переопределяет предпочитаемую роль обновления
func WithRefresher(r Refresher) Attr {
	return func(oa *OpAttrs) {
		oa.refresher = &r
	}
}

// Прочие опции

// WithTarget переопределяет request-URI операции
func WithTarget(target sip.Uri) Attr {
	return func(oa *OpAttrs) {
		oa.target = &target
	}
}

// WithReason задает человекочитаемую причину (заголовок Reason для BYE/CANCEL)
func WithReason(reason string) Attr {
	return func(oa *OpAttrs) {
		oa.reason = reason
	}
}

// WithPrefs применяет произвольную правку к снимку настроек операции
func WithPrefs(edit func(*Prefs)) Attr {
	return func(oa *OpAttrs) {
		if edit != nil {
			oa.prefsEdits = append(oa.prefsEdits, edit)
		}
	}
}

// WithContact добавляет Contact заголовок
func WithContact(uri sip.Uri) Attr {
	return WithHeader(&sip.ContactHeader{Address: uri})
}

// WithUserAgent устанавливает User-Agent заголовок
func WithUserAgent(userAgent string) Attr {
	return WithReplaceHeader(sip.NewHeader("User-Agent", userAgent))
}

// WithAllow устанавливает Allow заголовок по списку методов
func WithAllow(methods ...sip.RequestMethod) Attr {
	value := ""
	for i, m := range methods {
		if i > 0 {
			value += ", "
		}
		value += string(m)
	}
	return WithReplaceHeader(sip.NewHeader("Allow", value))
}

// formatEventHeader собирает значение заголовка Event
func formatEventHeader(event, id string) string {
	if id == "" {
		return event
	}
	return fmt.Sprintf("%s;id=%s", event, id)
}
