package dialog

import (
	"hash/fnv"
	"sync"
)

// ShardCount количество шардов для распределения нагрузки.
// Должно быть степенью 2 для битового взятия остатка.
const ShardCount = 32

// HandleKey - ключ поиска Handle по идентификации диалога.
//
// Поиск двухфазный: сначала полный ключ (Call-ID + оба тега), затем
// половинный (Call-ID + локальный тег) - для ответов на начальные
// запросы, когда удалённый тег ещё неизвестен.
type HandleKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// half возвращает половинный ключ без удалённого тега
func (k HandleKey) half() HandleKey {
	return HandleKey{CallID: k.CallID, LocalTag: k.LocalTag}
}

type handleShard struct {
	handles map[HandleKey]*Handle
	mutex   sync.RWMutex
}

// ShardedHandleMap - потокобезопасная карта Handle с шардированием.
// Каждый шард несёт собственный мьютекс: операции над разными диалогами
// не конкурируют за общую блокировку.
type ShardedHandleMap struct {
	shards [ShardCount]*handleShard
}

// NewShardedHandleMap создает карту с инициализированными шардами
func NewShardedHandleMap() *ShardedHandleMap {
	m := &ShardedHandleMap{}
	for i := range m.shards {
		m.shards[i] = &handleShard{handles: make(map[HandleKey]*Handle)}
	}
	return m
}

func (m *ShardedHandleMap) getShard(key HandleKey) *handleShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.CallID))
	hasher.Write([]byte(key.LocalTag))
	hasher.Write([]byte(key.RemoteTag))
	return m.shards[hasher.Sum32()&(ShardCount-1)]
}

// Set добавляет или обновляет Handle в карте
func (m *ShardedHandleMap) Set(key HandleKey, h *Handle) {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	shard.handles[key] = h
}

// Get возвращает Handle по точному ключу
func (m *ShardedHandleMap) Get(key HandleKey) (*Handle, bool) {
	shard := m.getShard(key)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()
	h, ok := shard.handles[key]
	return h, ok
}

// Match ищет Handle сначала по полному ключу, затем по половинному
func (m *ShardedHandleMap) Match(key HandleKey) (*Handle, bool) {
	if h, ok := m.Get(key); ok {
		return h, true
	}
	if key.RemoteTag != "" {
		if h, ok := m.Get(key.half()); ok {
			return h, true
		}
	}
	return nil, false
}

// Delete удаляет Handle из карты
func (m *ShardedHandleMap) Delete(key HandleKey) bool {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	_, ok := shard.handles[key]
	if ok {
		delete(shard.handles, key)
	}
	return ok
}

// Count возвращает общее число Handle во всех шардах
func (m *ShardedHandleMap) Count() int {
	count := 0
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		count += len(m.shards[i].handles)
		m.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach выполняет функцию для каждого Handle.
// Снимок собирается под блокировками, функция вызывается вне их -
// внутри fn можно безопасно брать мьютексы Handle.
func (m *ShardedHandleMap) ForEach(fn func(HandleKey, *Handle)) {
	snapshot := make(map[HandleKey]*Handle)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		for key, h := range m.shards[i].handles {
			snapshot[key] = h
		}
		m.shards[i].mutex.RUnlock()
	}
	for key, h := range snapshot {
		fn(key, h)
	}
}

// Clear очищает все шарды
func (m *ShardedHandleMap) Clear() {
	for i := range m.shards {
		m.shards[i].mutex.Lock()
		m.shards[i].handles = make(map[HandleKey]*Handle)
		m.shards[i].mutex.Unlock()
	}
}
