package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// ErrBackendUnavailable is returned by MemoryBackend while marked unavailable.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

// ErrBackendClosed is returned after Close.
var ErrBackendClosed = errors.New("memory backend closed")

// MemoryBackend keeps messages in process memory. It backs the "memory"
// driver and tests; SetUnavailable simulates an outage.
type MemoryBackend struct {
	mu          sync.RWMutex
	messages    map[string][]*types.Message
	unavailable atomic.Bool
	closed      atomic.Bool
}

var _ interfaces.MessageBackend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{messages: make(map[string][]*types.Message)}
}

// SetUnavailable makes every operation fail until cleared.
func (b *MemoryBackend) SetUnavailable(down bool) {
	b.unavailable.Store(down)
}

func (b *MemoryBackend) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if b.unavailable.Load() {
		return ErrBackendUnavailable
	}
	return nil
}

func (b *MemoryBackend) Insert(ctx context.Context, msg *types.Message) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	stored := *msg
	b.mu.Lock()
	b.messages[msg.ChannelID] = append(b.messages[msg.ChannelID], &stored)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Latest(ctx context.Context, channelID string) (*types.Message, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.messages[channelID]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := *msgs[len(msgs)-1]
	return &last, nil
}

func (b *MemoryBackend) History(ctx context.Context, channelID string, limit int) ([]*types.Message, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return b.check(ctx)
}

func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}
