// Package lock はワーカー間の多重実行を防ぐロックを提供する。
package lock

import (
	"context"
	"sync"
	"time"
)

// UnlockFunc は取得したロックを解放する。
type UnlockFunc func(ctx context.Context) error

// Locker は名前付きロックのインターフェース。
type Locker interface {
	// TryLock はロックの取得を試みる。既に他者が保持している場合は ok=false を返す。
	// ttl 経過後はロックが自動的に解放される（プロセス異常終了時の保険）。
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
}

// MemoryLocker は単一プロセス内で有効なロック。Redis未設定時に使う。
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker はMemoryLockerを生成する。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// TryLock はロックの取得を試みる。
func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.held[key]; ok && now.Before(expiresAt) {
		return nil, false, nil
	}
	expiresAt := now.Add(ttl)
	l.held[key] = expiresAt

	unlock := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// TTL切れ後に別の保持者が取得したロックは解放しない
		if l.held[key].Equal(expiresAt) {
			delete(l.held, key)
		}
		return nil
	}
	return unlock, true, nil
}

// compile-time interface check
var _ Locker = (*MemoryLocker)(nil)
