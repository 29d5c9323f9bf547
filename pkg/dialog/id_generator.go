package dialog

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Генерация идентификаторов: Call-ID, теги диалога, идентификаторы
// Handle. Все значения уникальны в пределах процесса и непредсказуемы
// между процессами (uuid v4 поверх crypto/rand).

var handleSeq uint64

// GenerateCallID создает новый Call-ID
func GenerateCallID() string {
	return uuid.NewString()
}

// GenerateTag создает тег для заголовков From/To.
// Короткая форма: первые два блока uuid достаточно уникальны для тега.
func GenerateTag() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id[:18], "-", "")
}

// nextHandleID возвращает монотонный идентификатор Handle.
// Числовая часть упрощает корреляцию логов, uuid не нужен.
func nextHandleID() uint64 {
	return atomic.AddUint64(&handleSeq, 1)
}
