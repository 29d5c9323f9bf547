package dialog

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// SIP статусы, отсутствующие среди констант sipgo
const (
	// StatusConditionalRequestFailed - 412, конфликт ETag при PUBLISH
	StatusConditionalRequestFailed = 412

	// StatusNotAcceptableHere - 488, предложенное медиа не принято
	StatusNotAcceptableHere = 488

	// StatusSessionIntervalTooSmall - 422, Min-SE переговоры (RFC 4028)
	StatusSessionIntervalTooSmall = 422

	// StatusBadEvent - 489, событие подписки не поддерживается
	StatusBadEvent = 489

	// StatusRequestPending - 491, glare при пересечении re-INVITE
	StatusRequestPending = 491
)

// Внутренняя полоса статусов (>= 900): приложение может отличить их от
// реальных ответов пира. Фразы фиксированы - они попадают в события as-is.
const (
	// StatusInternalError - неклассифицированная внутренняя ошибка
	StatusInternalError = 900

	// StatusTransportError - сбой транспорта при отправке запроса
	StatusTransportError = 901

	// StatusRequestTimeout - транзакция завершилась без финального ответа
	StatusRequestTimeout = 902

	// StatusCanceled - транзакция отменена локально
	StatusCanceled = 903

	// StatusMediaError - ошибка offer/answer переговоров
	StatusMediaError = 904
)

var internalPhrases = map[int]string{
	StatusInternalError:  "Internal Error",
	StatusTransportError: "Transport Failure",
	StatusRequestTimeout: "Request Timed Out",
	StatusCanceled:       "Request Canceled",
	StatusMediaError:     "Media Negotiation Failure",
}

// InternalPhrase возвращает фиксированную фразу для внутреннего статуса
func InternalPhrase(status int) string {
	if phrase, ok := internalPhrases[status]; ok {
		return phrase
	}
	return "Internal Error"
}

// IsInternalStatus сообщает, принадлежит ли статус внутренней полосе
// (реального ответа пира не было)
func IsInternalStatus(status int) bool {
	return status >= 900
}

// ErrorCategory - категории ошибок для классификации
type ErrorCategory string

const (
	// ErrorCategoryLocal - локальный отказ до сетевого эффекта
	// (фича выключена, невалидная цель, usage занят)
	ErrorCategoryLocal ErrorCategory = "LOCAL"

	// ErrorCategoryProtocol - отказ пира (4xx/5xx/6xx)
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"

	// ErrorCategoryMedia - ошибка медиа-переговоров
	ErrorCategoryMedia ErrorCategory = "MEDIA"

	// ErrorCategoryTransport - сбой транспорта или таймаут
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"

	// ErrorCategoryState - недопустимый переход состояния
	ErrorCategoryState ErrorCategory = "STATE"

	// ErrorCategoryUsage - ошибки реестра usages
	ErrorCategoryUsage ErrorCategory = "USAGE"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// DialogError - структурированная ошибка с SIP контекстом.
type DialogError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`

	// SIP контекст
	HandleID  string            `json:"handle_id,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Method    sip.RequestMethod `json:"method,omitempty"`
	Status    int               `json:"status,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	Cause     error `json:"-"`
	Retryable bool  `json:"retryable"`
}

// Error реализует интерфейс error
func (e *DialogError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (Call-ID: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *DialogError) Unwrap() error {
	return e.Cause
}

// WithCause добавляет исходную ошибку
func (e *DialogError) WithCause(cause error) *DialogError {
	e.Cause = cause
	return e
}

// WithCallID добавляет Call-ID к контексту ошибки
func (e *DialogError) WithCallID(callID string) *DialogError {
	e.CallID = callID
	return e
}

// NewDialogError создает новую структурированную ошибку
func NewDialogError(code, message string, category ErrorCategory) *DialogError {
	return &DialogError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Предопределенные ошибки для частых случаев

// ErrUsageExists - usage такого класса с таким дискриминантом уже есть
func ErrUsageExists(class, event string) *DialogError {
	return NewDialogError(
		"USAGE_EXISTS",
		fmt.Sprintf("usage %q (event %q) уже существует в диалоге", class, event),
		ErrorCategoryUsage,
	)
}

// ErrUsageBusy - usage уже привязан к активной клиентской транзакции
func ErrUsageBusy(class string, method sip.RequestMethod) *DialogError {
	e := NewDialogError(
		"USAGE_BUSY",
		fmt.Sprintf("usage %q занят другой транзакцией", class),
		ErrorCategoryLocal,
	)
	e.Method = method
	e.Retryable = true
	return e
}

// ErrUsageNotFound - подходящий usage в диалоге не найден
func ErrUsageNotFound(class, event string) *DialogError {
	return NewDialogError(
		"USAGE_NOT_FOUND",
		fmt.Sprintf("usage %q (event %q) не найден", class, event),
		ErrorCategoryUsage,
	)
}

// ErrFeatureDisabled - метод отвергнут до сетевого эффекта:
// возможность выключена в профиле
func ErrFeatureDisabled(feature string, method sip.RequestMethod) *DialogError {
	e := NewDialogError(
		"FEATURE_DISABLED",
		fmt.Sprintf("возможность %q выключена", feature),
		ErrorCategoryLocal,
	)
	e.Method = method
	return e
}

// ErrInvalidTarget - целевой URI отсутствует или не парсится
func ErrInvalidTarget(target string) *DialogError {
	return NewDialogError(
		"INVALID_TARGET",
		fmt.Sprintf("невалидная цель запроса: %q", target),
		ErrorCategoryLocal,
	)
}

// ErrInvalidCallState - операция недопустима в текущем состоянии сессии
func ErrInvalidCallState(current CallState, operation string) *DialogError {
	return NewDialogError(
		"INVALID_CALL_STATE",
		fmt.Sprintf("нельзя выполнить %q в состоянии %s", operation, current),
		ErrorCategoryState,
	)
}

// ErrTransport - сбой транспортного слоя, транслируется в
// синтетический статус StatusTransportError
func ErrTransport(cause error) *DialogError {
	e := NewDialogError(
		"TRANSPORT_FAILURE",
		"не удалось отправить запрос",
		ErrorCategoryTransport,
	)
	e.Status = StatusTransportError
	return e.WithCause(cause)
}

// ErrSessionIntervalTooSmall - переговоры Min-SE не сошлись
// (422-эквивалент на клиентской стороне)
func ErrSessionIntervalTooSmall(requested, floor int) *DialogError {
	e := NewDialogError(
		"SESSION_INTERVAL_TOO_SMALL",
		fmt.Sprintf("запрошенный интервал %d меньше минимума %d", requested, floor),
		ErrorCategoryProtocol,
	)
	e.Status = StatusSessionIntervalTooSmall
	e.Retryable = true
	return e
}

// ErrMedia - ошибка медиа-переговоров с уже классифицированным статусом
func ErrMedia(status int, phrase string, cause error) *DialogError {
	e := NewDialogError(
		"MEDIA_FAILURE",
		phrase,
		ErrorCategoryMedia,
	)
	e.Status = status
	return e.WithCause(cause)
}
