// Package dialog реализует управление SIP диалогами и их "usages" -
// независимыми функциональными состояниями, разделяющими один диалог.
//
// Центральная абстракция - Usage: INVITE-сессия, SUBSCRIBE/NOTIFY подписка,
// PUBLISH публикация или неявная подписка, созданная REFER, живут на одном
// DialogState и управляются общим реестром. Каждый класс usage описывается
// дескриптором UsageClass с колбэками add/remove/refresh/shutdown.
//
// Поверх реестра работают два жизненных цикла:
//   - ClientTx - исходящий запрос (построение, классификация ответов,
//     автоматические рестарты: 401/407, 422, 412, 491/500 Retry-After)
//   - ServerTx - входящий запрос (валидация, glare-контроль, ответ, отчёт)
//
// Состояние INVITE-сессии отслеживается 11-позиционным конечным автоматом
// (init ... ready ... terminated) с учётом offer/answer обмена и
// Session Timer переговоров по RFC 4028.
//
// Транспортный слой (sipgo), SDP движок (pion/sdp) и конфигурация
// подключаются через узкие интерфейсы ITransport, IMediaSession и Profile.
// Пакет не блокирует потоки: все ожидания - это колбэки таймеров и
// транзакций. Все операции thread-safe, сериализация - на уровне Handle.
package dialog
