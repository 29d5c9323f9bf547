package dialog

import (
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Profile представляет локальную идентичность SIP стороны.
// Используется для построения From/Contact в исходящих запросах.
type Profile struct {
	// DisplayName - отображаемое имя пользователя (например, "Alice Smith")
	DisplayName string
	// Address - SIP адрес пользователя (например, sip:alice@example.com)
	Address sip.Uri
	// ContactAddress - адрес для заголовка Contact; если пустой,
	// используется Address
	ContactAddress sip.Uri
}

// Contact создает заголовок Contact на основе профиля
func (p *Profile) Contact() *sip.ContactHeader {
	addr := p.ContactAddress
	if addr.Host == "" {
		addr = p.Address
	}
	return &sip.ContactHeader{
		DisplayName: p.DisplayName,
		Address:     addr,
	}
}

// Clone создает глубокую копию профиля
func (p *Profile) Clone() *Profile {
	return &Profile{
		DisplayName:    p.DisplayName,
		Address:        *p.Address.Clone(),
		ContactAddress: *p.ContactAddress.Clone(),
	}
}

// Prefs - снимок настроек, читаемый в момент начала операции.
//
// Разрешение настроек трёхуровневое: переопределения операции (опции
// запроса) > переопределения Handle > процессные значения по умолчанию.
// Снимок неизменяемый: компоненты держат указатель и никогда не пишут в
// него; замена процессных значений - copy-on-write через SetDefaultPrefs.
type Prefs struct {
	// UserAgent - значение заголовка User-Agent
	UserAgent string

	// SupportTimer - поддержка расширения "timer" (RFC 4028)
	SupportTimer bool

	// Support100rel - поддержка надежных предварительных ответов (RFC 3262)
	Support100rel bool

	// SessionExpires - желаемый интервал сессии в секундах
	SessionExpires int

	// SessionExpiresCap - верхняя граница интервала сессии
	SessionExpiresCap int

	// MinSE - минимально допустимый интервал сессии (Min-SE)
	MinSE int

	// Refresher - предпочитаемая роль обновления сессии
	Refresher Refresher

	// MaxRestarts - предел автоматических рестартов клиентской транзакции
	MaxRestarts int

	// AllowedMethods - методы, принимаемые внутри диалога (Allow)
	AllowedMethods []sip.RequestMethod

	// SupportedEvents - типы событий, принимаемые в SUBSCRIBE
	SupportedEvents []string

	// AutoAck - автоматически отправлять ACK на 2xx к INVITE
	AutoAck bool

	// SubscribeExpires - запрашиваемое время жизни подписки в секундах
	SubscribeExpires int

	// PublishExpires - запрашиваемое время жизни публикации в секундах
	PublishExpires int

	// FetchTimeout - сколько ждать NOTIFY после истечения подписки,
	// прежде чем признать её завершённой
	FetchTimeout time.Duration

	// ShutdownRetries - сколько раз опросить usages при завершении диалога,
	// прежде чем снять их принудительно
	ShutdownRetries int
}

// Clone создает копию снимка настроек
func (p *Prefs) Clone() *Prefs {
	c := *p
	c.AllowedMethods = append([]sip.RequestMethod(nil), p.AllowedMethods...)
	c.SupportedEvents = append([]string(nil), p.SupportedEvents...)
	return &c
}

// NewDefaultPrefs возвращает процессные настройки по умолчанию
func NewDefaultPrefs() *Prefs {
	return &Prefs{
		UserAgent:         "freeswitch-sub030/1.0",
		SupportTimer:      true,
		Support100rel:     true,
		SessionExpires:    1800,
		SessionExpiresCap: 3600,
		MinSE:             90,
		Refresher:         RefresherNone,
		MaxRestarts:       4,
		AllowedMethods: []sip.RequestMethod{
			sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.OPTIONS,
			sip.INFO, sip.MESSAGE, sip.UPDATE, sip.NOTIFY,
			sip.SUBSCRIBE, sip.REFER,
		},
		SupportedEvents:  []string{"refer"},
		AutoAck:          true,
		SubscribeExpires: 3600,
		PublishExpires:   3600,
		FetchTimeout:     32 * time.Second,
		ShutdownRetries:  3,
	}
}

// Процессные настройки: read-mostly, подмена целиком через atomic.Pointer
var processPrefs atomic.Pointer[Prefs]

func init() {
	processPrefs.Store(NewDefaultPrefs())
}

// DefaultPrefs возвращает текущие процессные настройки.
// Возвращённый снимок нельзя модифицировать - используйте Clone.
func DefaultPrefs() *Prefs {
	return processPrefs.Load()
}

// SetDefaultPrefs заменяет процессные настройки целиком.
// Уже созданные Handle продолжают видеть прежний снимок.
func SetDefaultPrefs(p *Prefs) {
	if p != nil {
		processPrefs.Store(p.Clone())
	}
}
