package service

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadsInflight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ch_uploads_inflight",
	Help: "Количество выполняющихся загрузок.",
})

// inflightRegistry — активные загрузки по пользователям.
// Новая загрузка пользователя отменяет предыдущую с причиной ErrUploadSuperseded.
type inflightRegistry struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]inflightEntry
}

type inflightEntry struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{entries: make(map[string]inflightEntry)}
}

// acquire регистрирует загрузку principal и возвращает её контекст.
// release обязателен; после него контекст отменён.
func (r *inflightRegistry) acquire(parent context.Context, principal string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancelCause(parent)

	r.mu.Lock()
	if prev, ok := r.entries[principal]; ok {
		prev.cancel(ErrUploadSuperseded)
	}
	r.seq++
	id := r.seq
	r.entries[principal] = inflightEntry{id: id, cancel: cancel}
	r.mu.Unlock()

	uploadsInflight.Inc()

	var once sync.Once
	release = func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.entries[principal]; ok && cur.id == id {
				delete(r.entries, principal)
			}
			r.mu.Unlock()
			cancel(context.Canceled)
			uploadsInflight.Dec()
		})
	}
	return ctx, release
}

// active возвращает количество пользователей с активной загрузкой.
func (r *inflightRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
