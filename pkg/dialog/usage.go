package dialog

import (
	"time"
)

// UsageClass - дескриптор класса usage: набор колбэков, через которые
// реестр управляет жизненным циклом конкретной функциональности диалога
// (INVITE-сессия, подписка, публикация). Дескрипторы - неизменяемые
// статические значения; наследования нет, только композиция с
// BaseUsageClass для no-op поведения по умолчанию.
type UsageClass interface {
	// Name возвращает имя класса для логов и отчётов
	Name() string

	// OwnsDialog сообщает, создаёт ли usage полноценный диалог
	// (уникальность: не более одного такого usage на диалог)
	OwnsDialog() bool

	// Add вызывается при создании usage; возвращённый блок состояния
	// сохраняется как приватный. Ошибка откатывает создание.
	Add(h *Handle, u *Usage) (any, error)

	// Remove вызывается перед удалением usage для финальной отчётности.
	// К этому моменту привязанная клиентская транзакция уже отвязана.
	Remove(h *Handle, u *Usage)

	// Refresh вызывается по срабатыванию единственного таймера обновления
	Refresh(h *Handle, u *Usage, now time.Time)

	// Shutdown голосует за завершение: true - usage готов к удалению,
	// false - ещё есть незавершённый трафик (например, не-ACKнутый INVITE)
	Shutdown(h *Handle, u *Usage) bool
}

// BaseUsageClass - заготовка класса с no-op колбэками
type BaseUsageClass struct {
	ClassName   string
	DialogOwner bool
}

func (b BaseUsageClass) Name() string                               { return b.ClassName }
func (b BaseUsageClass) OwnsDialog() bool                           { return b.DialogOwner }
func (b BaseUsageClass) Add(h *Handle, u *Usage) (any, error)       { return nil, nil }
func (b BaseUsageClass) Remove(h *Handle, u *Usage)                 {}
func (b BaseUsageClass) Refresh(h *Handle, u *Usage, now time.Time) {}
func (b BaseUsageClass) Shutdown(h *Handle, u *Usage) bool          { return true }

// Usage - функциональное состояние, прикреплённое к диалогу.
//
// Инвариант владения: usage принадлежит исключительно DialogState.
// Клиентская транзакция держит заимствованную ссылку ("привязку"),
// которую removeUsage аннулирует; после удаления поле removed служит
// отравленным маркером - любое обращение через устаревшую ссылку
// обязано сначала проверить Removed().
type Usage struct {
	class UsageClass

	// Дискриминант: различает usages одного класса по типу события
	// (заголовок Event + id). Пустой event - wildcard.
	event   string
	eventID string

	// private - типизированный блок состояния класса
	private any

	// refreshAt - единственная абсолютная точка обновления;
	// refreshTimer - владеемый реестром таймер (не более одного)
	refreshAt    time.Time
	refreshTimer *time.Timer

	// boundTx - эксклюзивная привязка к клиентской транзакции
	boundTx *ClientTx

	// reporting - одноразовая защита от рекурсивных отчётов
	reporting bool

	// removeQueued - удаление запрошено во время отчёта и отложено
	removeQueued bool

	removed bool
}

// Class возвращает дескриптор класса
func (u *Usage) Class() UsageClass { return u.class }

// Event возвращает дискриминант события
func (u *Usage) Event() (event, id string) { return u.event, u.eventID }

// Private возвращает приватный блок состояния класса
func (u *Usage) Private() any { return u.private }

// Removed сообщает, был ли usage удалён из диалога.
// Компонент, сохранивший ссылку через операцию, способную вызвать
// удаление, обязан перепроверить её этим методом.
func (u *Usage) Removed() bool { return u.removed }

// Bound возвращает привязанную клиентскую транзакцию
func (u *Usage) Bound() *ClientTx { return u.boundTx }

// bind привязывает транзакцию; привязка эксклюзивна
func (u *Usage) bind(ct *ClientTx) error {
	if u.boundTx != nil && u.boundTx != ct {
		return ErrUsageBusy(u.class.Name(), ct.method)
	}
	u.boundTx = ct
	return nil
}

// unbind снимает привязку
func (u *Usage) unbind(ct *ClientTx) {
	if u.boundTx == ct {
		u.boundTx = nil
	}
}

// matches проверяет точное совпадение дискриминанта.
// Wildcard-поиск (usage без дискриминанта) выполняет findUsage.
func (u *Usage) matches(event, id string) bool {
	return u.event == event && u.eventID == id
}
