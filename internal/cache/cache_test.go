package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap(t *testing.T) {
	m := NewMap[int]()

	if _, ok := m.Get("missing"); ok {
		t.Error("Expected miss on empty map")
	}

	m.Put("a", 1)
	m.Put("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Errorf("Expected 1, got %v (ok=%v)", v, ok)
	}
	if m.Size() != 2 {
		t.Errorf("Expected size 2, got %d", m.Size())
	}

	m.Put("a", 3)
	if v, _ := m.Get("a"); v != 3 {
		t.Errorf("Expected overwrite to 3, got %v", v)
	}
	if m.Size() != 2 {
		t.Errorf("Overwrite must not grow the map, size %d", m.Size())
	}
}

func TestMapConcurrent(t *testing.T) {
	m := NewMap[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%10)
				m.Put(key, i)
				m.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if m.Size() != 10 {
		t.Errorf("Expected 10 keys, got %d", m.Size())
	}
}
