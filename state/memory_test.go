package state

import (
	"testing"
	"time"
)

// --- Unit Tests ---

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	value := []byte("x")
	if err := s.Put("shared.board", value); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	value[0] = 'y'

	got, err := s.Get("shared.board")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(got) != "x" {
		t.Errorf("Get = %q, want x", got)
	}

	got[0] = 'z'
	again, _ := s.Get("shared.board")
	if string(again) != "x" {
		t.Errorf("stored value mutated through Get: %q", again)
	}
}

func TestMemoryStore_JSON(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	type board struct {
		Cells []string `json:"cells"`
		Next  string   `json:"next"`
	}
	in := board{Cells: []string{"X", "", "O"}, Next: "X"}
	if err := PutJSON(s, "shared.board", in); err != nil {
		t.Fatalf("PutJSON error: %v", err)
	}

	var out board
	if err := GetJSON(s, "shared.board", &out); err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if out.Next != "X" || len(out.Cells) != 3 || out.Cells[2] != "O" {
		t.Errorf("GetJSON = %+v", out)
	}

	s.Put("raw", []byte("{"))
	if err := GetJSON(s, "raw", &out); err == nil {
		t.Error("expected decode error")
	}
}

func TestMemoryStore_KeysSorted(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Put("shared.b", nil)
	s.Put("shared.a", nil)
	s.Put("other", nil)

	keys, err := s.Keys("shared.*")
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "shared.a" || keys[1] != "shared.b" {
		t.Errorf("Keys = %v, want [shared.a shared.b]", keys)
	}

	keys, _ = s.Keys("nothing.*")
	if keys == nil || len(keys) != 0 {
		t.Errorf("Keys(nothing.*) = %#v, want empty", keys)
	}
}

func TestMemoryStore_Watch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ch, err := s.Watch("shared.*")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	s.Put("other", []byte("ignored"))
	s.Put("shared.turn", []byte("1"))
	s.Delete("shared.turn")

	want := []Operation{OpPut, OpDelete}
	var lastRev uint64
	for _, op := range want {
		select {
		case kv := <-ch:
			if kv.Key != "shared.turn" || kv.Operation != op {
				t.Errorf("event = %s %s, want %s shared.turn", kv.Operation, kv.Key, op)
			}
			if kv.Revision <= lastRev {
				t.Errorf("revision %d not increasing after %d", kv.Revision, lastRev)
			}
			lastRev = kv.Revision
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", op)
		}
	}
}

// --- Failure Tests ---

func TestMemoryStore_Failures(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
	if err := s.Put("bad key", nil); err != ErrInvalidKey {
		t.Errorf("Put(bad key) = %v, want ErrInvalidKey", err)
	}

	ch, _ := s.Watch("*")
	s.Close()
	if _, ok := <-ch; ok {
		t.Error("watch channel open after Close")
	}
	if err := s.Put("k", nil); err != ErrClosed {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Keys("*"); err != ErrClosed {
		t.Errorf("Keys after Close = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
