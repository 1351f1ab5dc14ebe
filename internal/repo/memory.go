package repo

import (
	"context"
	"sort"
	"sync"

	"fichecontact/internal/domain"
)

// MemoryRepo keeps fiches in process memory. Values are deep-copied on the
// way in and out so callers never share state with the store.
type MemoryRepo struct {
	mu     sync.RWMutex
	fiches map[string]domain.Fiche
	order  []string
	events []domain.Event
	seq    int64
}

func NewMemory() *MemoryRepo {
	return &MemoryRepo{fiches: map[string]domain.Fiche{}}
}

func (r *MemoryRepo) Save(_ context.Context, f domain.Fiche) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fiches == nil {
		r.fiches = map[string]domain.Fiche{}
	}
	if _, ok := r.fiches[f.ID]; !ok {
		r.order = append(r.order, f.ID)
	}
	r.fiches[f.ID] = f.Clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (domain.Fiche, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fiches[id]
	if !ok {
		return domain.Fiche{}, ErrNotFound
	}
	return f.Clone(), nil
}

func (r *MemoryRepo) Update(_ context.Context, id string, f domain.Fiche) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fiches[id]; !ok {
		return ErrNotFound
	}
	f.ID = id
	r.fiches[id] = f.Clone()
	return nil
}

func (r *MemoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fiches[id]; !ok {
		return ErrNotFound
	}
	delete(r.fiches, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryRepo) List(ctx context.Context) ([]domain.Fiche, error) {
	return r.filter(func(domain.Fiche) bool { return true }), nil
}

func (r *MemoryRepo) ListByStatus(_ context.Context, status domain.Status) ([]domain.Fiche, error) {
	return r.filter(func(f domain.Fiche) bool { return f.Status == status }), nil
}

func (r *MemoryRepo) filter(keep func(domain.Fiche) bool) []domain.Fiche {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := []domain.Fiche{}
	for _, id := range r.order {
		f := r.fiches[id]
		if keep(f) {
			res = append(res, f.Clone())
		}
	}
	return res
}

func (r *MemoryRepo) Cities(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	res := []string{}
	for _, f := range r.fiches {
		if f.City == "" || seen[f.City] {
			continue
		}
		seen[f.City] = true
		res = append(res, f.City)
	}
	sort.Strings(res)
	return res, nil
}

func (r *MemoryRepo) AppendEvent(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	evt.ID = r.seq
	r.events = append(r.events, evt)
	return nil
}

func (r *MemoryRepo) ListEvents(_ context.Context, ficheID string) ([]domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := []domain.Event{}
	for _, evt := range r.events {
		if evt.FicheID == ficheID {
			res = append(res, evt)
		}
	}
	return res, nil
}
