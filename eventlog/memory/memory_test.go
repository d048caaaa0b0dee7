package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/emubridge/eventlog"
	"github.com/ggoodman/emubridge/eventlog/eventlogtest"
	"github.com/ggoodman/emubridge/eventlog/memory"
)

func TestStore(t *testing.T) {
	eventlogtest.RunStoreTests(t, func(t *testing.T) eventlog.Store {
		return memory.New()
	})
}

func TestStoreCapped(t *testing.T) {
	eventlogtest.RunStoreTests(t, func(t *testing.T) eventlog.Store {
		return memory.New(memory.WithMaxEvents(1000))
	})
}

func TestMaxEventsDropsOldest(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithMaxEvents(3))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, "s", []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	// ids[1] is the newest dropped event: everything after it is retained.
	var got []string
	if err := s.Replay(ctx, "s", ids[1], func(ev eventlog.Event) error {
		got = append(got, string(ev.Data))
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Fatalf("want [c d e] got %v", got)
	}

	err := s.Replay(ctx, "s", ids[0], func(eventlog.Event) error { return nil })
	if !errors.Is(err, eventlog.ErrEventNotFound) {
		t.Fatalf("want ErrEventNotFound for an evicted marker got %v", err)
	}
}

func TestAppendCopiesData(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	buf := []byte("one")
	first, _ := s.Append(ctx, "s", []byte("zero"))
	if _, err := s.Append(ctx, "s", buf); err != nil {
		t.Fatalf("append: %v", err)
	}
	buf[0] = 'X'

	_ = s.Replay(ctx, "s", first, func(ev eventlog.Event) error {
		if string(ev.Data) != "one" {
			t.Fatalf("stored data was aliased: %s", ev.Data)
		}
		return nil
	})
}
