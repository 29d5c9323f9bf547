package dialog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Таймер сессии (RFC 4028): периодическое обновление INVITE-сессии
// re-INVITE/UPDATE запросами. Переговоры выделены в чистую функцию -
// она не трогает ни сеть, ни таймеры, только считает результат.

// timerExtension - имя расширения в Supported/Require
const timerExtension = "timer"

// TimerPrefs - локальные настройки таймера сессии на момент операции
type TimerPrefs struct {
	// Enabled - расширение включено локально
	Enabled bool

	// Interval - желаемый интервал в секундах
	Interval int

	// Cap - верхняя граница интервала (0 - без ограничения)
	Cap int

	// MinSE - минимально допустимый интервал
	MinSE int

	// Preferred - предпочитаемая роль обновления
	Preferred Refresher
}

// timerPrefsFrom извлекает настройки таймера из общего снимка
func timerPrefsFrom(p *Prefs) TimerPrefs {
	return TimerPrefs{
		Enabled:   p.SupportTimer,
		Interval:  p.SessionExpires,
		Cap:       p.SessionExpiresCap,
		MinSE:     p.MinSE,
		Preferred: p.Refresher,
	}
}

// TimerPeer - параметры таймера, извлечённые из сообщения пира
type TimerPeer struct {
	// HasSE - сообщение содержит Session-Expires
	HasSE bool

	// Interval - значение Session-Expires в секундах
	Interval int

	// Role - параметр refresher в терминах протокола: "uac", "uas" или ""
	Role string

	// MinSE - значение Min-SE (0 - отсутствует)
	MinSE int

	// SupportsTimer - пир заявил "timer" в Supported или Require
	SupportsTimer bool
}

// TimerResult - итог переговоров таймера сессии
type TimerResult struct {
	// Active - таймер согласован и должен работать
	Active bool

	// Interval - согласованный интервал в секундах
	Interval int

	// Refresher - согласованная роль в локальных терминах
	Refresher Refresher

	// MinSE - действующий минимум (максимум локального и пирового)
	MinSE int
}

// NegotiateSessionTimer вычисляет параметры таймера сессии.
//
// Функция чистая и идемпотентная: одинаковые входы дают одинаковый
// результат. UAS-сторона решает окончательно; слишком малый интервал
// возвращается как ошибка с кодом 422, и вызывающий обязан отдать пиру
// Min-SE из результата.
func NegotiateSessionTimer(isUAC bool, prefs TimerPrefs, peer TimerPeer) (TimerResult, *DialogError) {
	res := TimerResult{Refresher: RefresherNone}
	if !prefs.Enabled {
		return res, nil
	}

	res.MinSE = prefs.MinSE
	if peer.MinSE > res.MinSE {
		res.MinSE = peer.MinSE
	}

	if isUAC {
		// UAC принимает решение UAS из ответа как есть
		if !peer.HasSE {
			return res, nil
		}
		res.Active = true
		res.Interval = peer.Interval
		res.Refresher = refresherFromWire(peer.Role, true)
		if res.Refresher == RefresherNone {
			// UAS не назначил роль: обновляет UAC, то есть мы
			res.Refresher = RefresherLocal
		}
		return res, nil
	}

	// UAS-сторона
	if !peer.HasSE {
		// Пир не просил таймер; навязываем свой, только если пир
		// заявил поддержку расширения
		if !peer.SupportsTimer || prefs.Interval <= 0 {
			return res, nil
		}
		res.Active = true
		res.Interval = clampInterval(prefs.Interval, prefs.Cap)
		res.Refresher = defaultRefresher(prefs.Preferred)
		return res, nil
	}

	if peer.Interval < prefs.MinSE {
		err := ErrSessionIntervalTooSmall(peer.Interval, prefs.MinSE)
		return TimerResult{MinSE: res.MinSE}, err
	}

	res.Active = true
	res.Interval = clampInterval(peer.Interval, prefs.Cap)
	res.Refresher = refresherFromWire(peer.Role, false)
	if res.Refresher == RefresherNone {
		res.Refresher = defaultRefresher(prefs.Preferred)
	}
	return res, nil
}

func clampInterval(interval, cap int) int {
	if cap > 0 && interval > cap {
		return cap
	}
	return interval
}

// defaultRefresher выбирает роль, когда пир её не назначил.
// По умолчанию обновляет удалённый UAC, как рекомендует RFC 4028.
func defaultRefresher(preferred Refresher) Refresher {
	if preferred != RefresherNone {
		return preferred
	}
	return RefresherRemote
}

// refresherFromWire переводит протокольную роль в локальную.
// "uac" - это мы, если мы UAC, иначе пир; симметрично для "uas".
func refresherFromWire(role string, isUAC bool) Refresher {
	switch strings.ToLower(role) {
	case "uac":
		if isUAC {
			return RefresherLocal
		}
		return RefresherRemote
	case "uas":
		if isUAC {
			return RefresherRemote
		}
		return RefresherLocal
	default:
		return RefresherNone
	}
}

// refresherToWire переводит локальную роль в протокольную
func refresherToWire(r Refresher, isUAC bool) string {
	switch r {
	case RefresherLocal:
		if isUAC {
			return "uac"
		}
		return "uas"
	case RefresherRemote:
		if isUAC {
			return "uas"
		}
		return "uac"
	default:
		return ""
	}
}

// parseTimerPeer извлекает параметры таймера из заголовков сообщения
func parseTimerPeer(getHeader func(string) sip.Header, getHeaders func(string) []sip.Header) TimerPeer {
	peer := TimerPeer{}

	if se := getHeader("Session-Expires"); se != nil {
		interval, role, err := parseSessionExpiresValue(se.Value())
		if err == nil {
			peer.HasSE = true
			peer.Interval = interval
			peer.Role = role
		}
	}
	if mse := getHeader("Min-SE"); mse != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(mse.Value())); err == nil {
			peer.MinSE = v
		}
	}
	for _, name := range []string{"Supported", "Require"} {
		for _, h := range getHeaders(name) {
			for _, token := range strings.Split(h.Value(), ",") {
				if strings.TrimSpace(strings.ToLower(token)) == timerExtension {
					peer.SupportsTimer = true
				}
			}
		}
	}
	return peer
}

// timerPeerFromRequest извлекает параметры таймера из запроса
func timerPeerFromRequest(req *sip.Request) TimerPeer {
	return parseTimerPeer(req.GetHeader, req.GetHeaders)
}

// timerPeerFromResponse извлекает параметры таймера из ответа
func timerPeerFromResponse(res *sip.Response) TimerPeer {
	return parseTimerPeer(res.GetHeader, res.GetHeaders)
}

// parseSessionExpiresValue разбирает значение "1800;refresher=uac"
func parseSessionExpiresValue(value string) (interval int, role string, err error) {
	parts := strings.Split(value, ";")
	interval, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("невалидное значение Session-Expires %q: %w", value, err)
	}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.TrimSpace(strings.ToLower(kv[0])) == "refresher" {
			role = strings.TrimSpace(strings.ToLower(kv[1]))
		}
	}
	return interval, role, nil
}

// applyTimerToRequest добавляет заголовки таймера к исходящему
// INVITE/UPDATE: Supported: timer, Session-Expires, Min-SE
func applyTimerToRequest(req *sip.Request, prefs TimerPrefs) {
	if !prefs.Enabled || prefs.Interval <= 0 {
		return
	}
	appendSupportedToken(req, timerExtension)

	value := strconv.Itoa(prefs.Interval)
	if role := refresherToWire(prefs.Preferred, true); role != "" {
		value += ";refresher=" + role
	}
	setHeader(req, sip.NewHeader("Session-Expires", value))
	setHeader(req, sip.NewHeader("Min-SE", strconv.Itoa(prefs.MinSE)))
}

// applyTimerToResponse добавляет заголовки согласованного таймера к 2xx:
// Require: timer и Session-Expires с назначенной ролью
func applyTimerToResponse(res *sip.Response, result TimerResult) {
	if !result.Active {
		return
	}
	res.AppendHeader(sip.NewHeader("Require", timerExtension))
	value := strconv.Itoa(result.Interval)
	if role := refresherToWire(result.Refresher, false); role != "" {
		value += ";refresher=" + role
	}
	setHeader(res, sip.NewHeader("Session-Expires", value))
}

// appendSupportedToken добавляет токен в Supported, не дублируя его
func appendSupportedToken(req *sip.Request, token string) {
	existing := req.GetHeader("Supported")
	if existing == nil {
		req.AppendHeader(sip.NewHeader("Supported", token))
		return
	}
	for _, t := range strings.Split(existing.Value(), ",") {
		if strings.TrimSpace(strings.ToLower(t)) == token {
			return
		}
	}
	req.ReplaceHeader(sip.NewHeader("Supported", existing.Value()+", "+token))
}

// refreshDelay возвращает задержку до следующего действия таймера.
//
// Обновляющая сторона шлёт refresh на половине интервала; сторона,
// ждущая обновления, сносит сессию BYE незадолго до истечения -
// за max(32с, десятая часть интервала) до конца.
func refreshDelay(interval int, r Refresher) time.Duration {
	switch r {
	case RefresherLocal:
		return time.Duration(interval/2) * time.Second
	case RefresherRemote:
		grace := interval / 10
		if grace < 32 {
			grace = 32
		}
		if grace >= interval {
			// Совсем короткий интервал: ждём хотя бы половину
			grace = interval / 2
		}
		return time.Duration(interval-grace) * time.Second
	default:
		return 0
	}
}
