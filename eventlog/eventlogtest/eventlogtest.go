// Package eventlogtest is a conformance suite for eventlog.Store
// implementations.
package eventlogtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/emubridge/eventlog"
)

// StoreFactory creates a new, empty Store for one test.
type StoreFactory func(t *testing.T) eventlog.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Replay_AfterMarker", func(t *testing.T) { testReplayAfterMarker(t, factory) })
	t.Run("Replay_EmptyMarkerReplaysNothing", func(t *testing.T) { testEmptyMarker(t, factory) })
	t.Run("Replay_LatestMarkerReplaysNothing", func(t *testing.T) { testLatestMarker(t, factory) })
	t.Run("Replay_UnknownMarker", func(t *testing.T) { testUnknownMarker(t, factory) })
	t.Run("Replay_PreservesOrder", func(t *testing.T) { testPreservesOrder(t, factory) })
	t.Run("Replay_HandlerErrorStops", func(t *testing.T) { testHandlerErrorStops(t, factory) })
	t.Run("Sessions_Isolated", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Cleanup_DropsEvents", func(t *testing.T) { testCleanup(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// uniqueSession keeps shared backends (redis) from leaking state across tests.
func uniqueSession(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func appendN(t *testing.T, ctx context.Context, s eventlog.Store, sessionID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(ctx, sessionID, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func collect(t *testing.T, ctx context.Context, s eventlog.Store, sessionID, after string) ([]eventlog.Event, error) {
	t.Helper()
	var got []eventlog.Event
	err := s.Replay(ctx, sessionID, after, func(ev eventlog.Event) error {
		got = append(got, ev)
		return nil
	})
	return got, err
}

func testReplayAfterMarker(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	ids := appendN(t, ctx, s, sess, 5)
	got, err := collect(t, ctx, s, sess, ids[1])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 events got %d", len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[i+2] {
			t.Fatalf("event %d: want id %s got %s", i, ids[i+2], ev.ID)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i+2); string(ev.Data) != want {
			t.Fatalf("event %d: want %s got %s", i, want, ev.Data)
		}
	}
}

func testEmptyMarker(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	appendN(t, ctx, s, sess, 3)
	got, err := collect(t, ctx, s, sess, "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no events got %d", len(got))
	}
}

func testLatestMarker(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	ids := appendN(t, ctx, s, sess, 3)
	got, err := collect(t, ctx, s, sess, ids[2])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no events got %d", len(got))
	}
}

func testUnknownMarker(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	appendN(t, ctx, s, sess, 2)
	if _, err := collect(t, ctx, s, sess, "999999999-0"); !errors.Is(err, eventlog.ErrEventNotFound) {
		t.Fatalf("want ErrEventNotFound got %v", err)
	}
	if _, err := collect(t, ctx, s, uniqueSession(t)+"-none", "1"); !errors.Is(err, eventlog.ErrEventNotFound) {
		t.Fatalf("want ErrEventNotFound for unknown session got %v", err)
	}
}

func testPreservesOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	ids := appendN(t, ctx, s, sess, 600)
	got, err := collect(t, ctx, s, sess, ids[0])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(ids)-1 {
		t.Fatalf("want %d events got %d", len(ids)-1, len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[i+1] {
			t.Fatalf("gap or reorder at %d: want %s got %s", i, ids[i+1], ev.ID)
		}
	}
}

func testHandlerErrorStops(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	ids := appendN(t, ctx, s, sess, 4)
	boom := errors.New("boom")
	calls := 0
	err := s.Replay(ctx, sess, ids[0], func(ev eventlog.Event) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want handler error got %v", err)
	}
	if calls != 1 {
		t.Fatalf("want 1 call got %d", calls)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	a, b := uniqueSession(t)+"-a", uniqueSession(t)+"-b"

	idsA := appendN(t, ctx, s, a, 2)
	id, err := s.Append(ctx, b, []byte(`{"b":true}`))
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if _, err := s.Append(ctx, b, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("append b: %v", err)
	}

	got, err := collect(t, ctx, s, a, idsA[0])
	if err != nil {
		t.Fatalf("replay a: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"n":1}` {
		t.Fatalf("session a saw foreign events: %+v", got)
	}
	got, err = collect(t, ctx, s, b, id)
	if err != nil {
		t.Fatalf("replay b: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"b":2}` {
		t.Fatalf("session b saw foreign events: %+v", got)
	}
}

func testCleanup(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	sess := uniqueSession(t)

	ids := appendN(t, ctx, s, sess, 3)
	if err := s.Cleanup(ctx, sess); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := collect(t, ctx, s, sess, ids[0]); !errors.Is(err, eventlog.ErrEventNotFound) {
		t.Fatalf("want ErrEventNotFound after cleanup got %v", err)
	}
}
