package service

import "sync"

// KeyedMutex держит мьютекс на каждый код бумаги. Запись удаляется, когда ключ никто не держит.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock блокирует до захвата ключа.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	l := k.acquire(key)
	l.ch <- struct{}{}
	return func() {
		<-l.ch
		k.release(key, l)
	}
}

// TryLock не ждёт и возвращает ok=false, если ключ занят.
func (k *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	l := k.acquire(key)
	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, true
	default:
		k.release(key, l)
		return nil, false
	}
}

func (k *KeyedMutex) acquire(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
