package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/store"
)

type presenceItem struct {
	value     []byte
	expiresAt time.Time
}

// Presence implements store.PresenceStore with lazy TTL expiry.
type Presence struct {
	clock clock.Clock

	mu    sync.Mutex
	items map[string]presenceItem
	sets  map[string]map[string]struct{}
}

// NewPresence returns an empty presence store driven by clk.
func NewPresence(clk clock.Clock) *Presence {
	if clk == nil {
		clk = clock.Real()
	}
	return &Presence{
		clock: clk,
		items: make(map[string]presenceItem),
		sets:  make(map[string]map[string]struct{}),
	}
}

func (p *Presence) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := presenceItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = p.clock.Now().Add(ttl)
	}
	p.mu.Lock()
	p.items[key] = item
	p.mu.Unlock()
	return nil
}

func (p *Presence) Get(_ context.Context, key string) ([]byte, error) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		delete(p.items, key)
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (p *Presence) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.items, key)
	p.mu.Unlock()
	return nil
}

func (p *Presence) AddMember(_ context.Context, set, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.sets[set]
	if !ok {
		members = make(map[string]struct{})
		p.sets[set] = members
	}
	members[member] = struct{}{}
	return nil
}

func (p *Presence) RemoveMember(_ context.Context, set, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.sets[set]
	if !ok {
		return nil
	}
	delete(members, member)
	if len(members) == 0 {
		delete(p.sets, set)
	}
	return nil
}

func (p *Presence) Members(_ context.Context, set string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sets[set]))
	for member := range p.sets[set] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

var _ store.PresenceStore = (*Presence)(nil)
