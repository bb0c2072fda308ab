package rcumap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestMap_NewAndBasicOps(t *testing.T) {
	m := New[string, int]()

	if m.Len() != 0 {
		t.Errorf("Expected empty map, got len %d", m.Len())
	}

	m.Set("key1", 10)
	m.Set("key2", 20)

	if m.Len() != 2 {
		t.Errorf("Expected len 2, got %d", m.Len())
	}

	val, ok := m.Get("key1")
	if !ok || val != 10 {
		t.Errorf("Expected key1=10, got %v, %v", val, ok)
	}

	val, ok = m.Get("key2")
	if !ok || val != 20 {
		t.Errorf("Expected key2=20, got %v, %v", val, ok)
	}

	_, ok = m.Get("key3")
	if ok {
		t.Error("Expected key3 to not exist")
	}

	if m.Version() != 3 {
		t.Errorf("Expected version 3 after two sets, got %d", m.Version())
	}
}

func TestMap_Delete(t *testing.T) {
	m := New[string, int]()
	m.Set("key1", 10)
	m.Set("key2", 20)

	if !m.Delete("key1") {
		t.Error("Expected Delete(key1) to report true")
	}

	if m.Len() != 1 {
		t.Errorf("Expected len 1 after delete, got %d", m.Len())
	}

	if _, ok := m.Get("key1"); ok {
		t.Error("Expected key1 to be deleted")
	}

	version := m.Version()
	if m.Delete("missing") {
		t.Error("Expected Delete(missing) to report false")
	}
	if m.Version() != version {
		t.Errorf("Deleting a missing key published version %d", m.Version())
	}
}

func TestMap_SnapshotIsStable(t *testing.T) {
	m := New[string, int]()
	m.Set("key1", 10)
	m.Set("key2", 20)

	snap := m.Snapshot()
	defer snap.Release()

	m.Set("key3", 30)
	m.Delete("key1")
	m.Set("key2", 200)

	entries := snap.Get()
	if len(entries) != 2 || entries["key1"] != 10 || entries["key2"] != 20 {
		t.Errorf("Snapshot changed after writes: %v", entries)
	}

	if v, _ := m.Get("key2"); v != 200 {
		t.Errorf("Expected key2=200 in current version, got %d", v)
	}
}

func TestMap_Update(t *testing.T) {
	m := New[string, int]()
	ctx := context.Background()

	err := m.Update(ctx, func(entries map[string]int) error {
		for i := 0; i < 10; i++ {
			entries[fmt.Sprintf("key%d", i)] = i
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if m.Len() != 10 {
		t.Errorf("Expected len 10, got %d", m.Len())
	}
	if m.Version() != 2 {
		t.Errorf("Expected a single published version for the batch, got %d", m.Version())
	}

	boom := errors.New("boom")
	err = m.Update(ctx, func(entries map[string]int) error {
		delete(entries, "key0")
		entries["extra"] = 1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if _, ok := m.Get("key0"); !ok {
		t.Error("Failed update removed key0")
	}
	if _, ok := m.Get("extra"); ok {
		t.Error("Failed update added extra")
	}
}

func TestMap_Replace(t *testing.T) {
	m := New[string, int]()
	m.Set("old", 1)

	m.Replace(map[string]int{"a": 1, "b": 2})

	keys := m.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() after Replace = %v", keys)
	}

	m.Replace(nil)
	if m.Len() != 0 {
		t.Errorf("Expected empty map after Replace(nil), got %d", m.Len())
	}
	m.Set("c", 3)
	if v, ok := m.Get("c"); !ok || v != 3 {
		t.Errorf("Set after Replace(nil) failed: %v, %v", v, ok)
	}
}

func TestEntries_Clone(t *testing.T) {
	e := Entries[string, int]{"a": 1}
	c := e.Clone()
	c["b"] = 2
	if len(e) != 1 {
		t.Errorf("Clone shares storage with the original: %v", e)
	}
}

func TestMap_ConcurrentAccess(t *testing.T) {
	m := New[int, int]()

	const writers = 5
	const readers = 20
	const opsPerWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < opsPerWriter; i++ {
				m.Set(id*opsPerWriter+i, i)
			}
		}(w)
	}

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerWriter; i++ {
				snap := m.Snapshot()
				n := len(snap.Get())
				if n > writers*opsPerWriter {
					t.Errorf("Snapshot has %d entries", n)
				}
				snap.Release()
				m.Get(i)
			}
		}()
	}

	wg.Wait()

	if m.Len() != writers*opsPerWriter {
		t.Errorf("Expected %d entries, got %d", writers*opsPerWriter, m.Len())
	}
	if s := m.Stats(); s.LiveVersions != 1 || s.RetiredVersions != 0 {
		t.Errorf("Expected all superseded versions destroyed, got %+v", s)
	}
}
