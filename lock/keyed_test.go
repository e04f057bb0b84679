package lock

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("acc-1")
			counter++
			km.Unlock("acc-1")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("同键互斥失效: counter=%d", counter)
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("acc-1")
	// acc-2 不应被 acc-1 阻塞
	done := make(chan struct{})
	go func() {
		km.Lock("acc-2")
		km.Unlock("acc-2")
		close(done)
	}()
	<-done
	km.Unlock("acc-1")
}

func TestNopLock(t *testing.T) {
	n := NewNopLock()
	ok, err := n.TryLock(nil, "k", 0)
	if err != nil || !ok {
		t.Error("NopLock 应总是成功")
	}
	if err := n.Unlock(nil, "k"); err != nil {
		t.Error("NopLock 解锁不应出错")
	}
}
