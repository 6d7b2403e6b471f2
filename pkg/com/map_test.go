package com

import (
	"fmt"
	"sync"
	"testing"
)

func TestMapDrain(t *testing.T) {
	m := NewMap[string, int]()
	for i := 0; i < 5; i++ {
		m.Put(fmt.Sprintf("u%v", i), i)
	}
	var got []int
	m.Drain(func(v int) { got = append(got, v) })
	if len(got) != 5 {
		t.Errorf("drained %v values, want 5", len(got))
	}
	if !m.IsEmpty() {
		t.Errorf("map is not empty after drain")
	}
}

func TestMapConcurrentPut(t *testing.T) {
	m := NewMap[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put(fmt.Sprintf("k%v", i), i)
		}(i)
	}
	wg.Wait()
	if m.Len() != 100 {
		t.Errorf("map has %v entries, want 100", m.Len())
	}
}

func TestMapFindEmptyKey(t *testing.T) {
	m := NewMap[string, int]()
	m.Put("", 1)
	if _, err := m.Find(""); err != ErrNotFound {
		t.Errorf("empty key lookup must fail")
	}
}
