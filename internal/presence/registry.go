// Package presence отслеживает открытые real-time каналы пользователей.
// Состояние живёт только в памяти процесса: после рестарта клиенты переподключаются сами.
package presence

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// Channel — один открытый канал (вкладка, устройство).
type Channel interface {
	// ID уникален в пределах процесса.
	ID() string
	// Deliver не должен блокироваться надолго: канал сам решает, ставить ли push в очередь или отбросить.
	Deliver(n domain.Notification) error
}

// Observer получает уведомления об изменении числа открытых каналов.
type Observer interface {
	ChannelOpened()
	ChannelClosed()
}

// Registry — потокобезопасный реестр каналов по пользователю.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]Channel
	owner    map[string]string
	observer Observer
}

// NewRegistry создаёт пустой реестр. observer может быть nil.
func NewRegistry(observer Observer) *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]Channel),
		owner:    make(map[string]string),
		observer: observer,
	}
}

// Join добавляет канал в комнату пользователя. Повторный Join того же канала
// под другим пользователем переносит его.
func (r *Registry) Join(userID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ch.ID()
	if prev, ok := r.owner[id]; ok {
		if prev == userID {
			r.byUser[userID][id] = ch
			return
		}
		r.removeLocked(prev, id)
	} else if r.observer != nil {
		r.observer.ChannelOpened()
	}

	room, ok := r.byUser[userID]
	if !ok {
		room = make(map[string]Channel)
		r.byUser[userID] = room
	}
	room[id] = ch
	r.owner[id] = userID
}

// Leave удаляет канал; для отсутствующего канала ничего не делает.
func (r *Registry) Leave(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ch.ID()
	userID, ok := r.owner[id]
	if !ok {
		return
	}
	r.removeLocked(userID, id)
	delete(r.owner, id)
	if r.observer != nil {
		r.observer.ChannelClosed()
	}
}

// ChannelsFor возвращает снимок каналов пользователя, упорядоченный по ID.
// Снимок можно использовать без блокировки: закрытый позже канал просто отбросит push.
func (r *Registry) ChannelsFor(userID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.byUser[userID]
	result := make([]Channel, 0, len(room))
	for _, ch := range room {
		result = append(result, ch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Online сообщает, есть ли у пользователя хотя бы один канал.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// Count возвращает общее число открытых каналов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.owner)
}

func (r *Registry) removeLocked(userID, channelID string) {
	room := r.byUser[userID]
	delete(room, channelID)
	if len(room) == 0 {
		delete(r.byUser, userID)
	}
}
