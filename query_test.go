package campusrooms

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestQueryKeyHasPrefix(t *testing.T) {
	tests := []struct {
		key, prefix QueryKey
		want        bool
	}{
		{QueryKey{"messages", "c1"}, QueryKey{"messages"}, true},
		{QueryKey{"messages", "c1"}, QueryKey{"messages", "c1"}, true},
		{QueryKey{"messages"}, QueryKey{"messages", "c1"}, false},
		{QueryKey{"messages-archive"}, QueryKey{"messages"}, false},
		{QueryKey{"conversations"}, QueryKey{}, true},
	}
	for _, tt := range tests {
		if got := tt.key.HasPrefix(tt.prefix); got != tt.want {
			t.Errorf("%v.HasPrefix(%v) = %v, want %v", tt.key, tt.prefix, got, tt.want)
		}
	}
}

func TestQueryCacheInvalidate(t *testing.T) {
	t.Run("refetches observed keys", func(t *testing.T) {
		c := NewQueryCache()
		defer c.Close()

		var calls atomic.Int32
		c.Register(KeyConversations, func(context.Context, QueryKey) (any, error) {
			return int(calls.Add(1)), nil
		})

		c.Invalidate(KeyConversations)
		c.Wait()
		if v, ok := Lookup[int](c, KeyConversations); !ok || v != 1 {
			t.Fatalf("value = %v, %v", v, ok)
		}
		if c.Stale(KeyConversations) {
			t.Fatal("entry still stale after refetch")
		}
	})

	t.Run("prefix reaches nested keys", func(t *testing.T) {
		c := NewQueryCache()
		defer c.Close()

		var fetched []string
		done := make(chan string, 4)
		c.RegisterPrefix(KeyMessages, func(_ context.Context, key QueryKey) (any, error) {
			done <- key.String()
			return []Message{{ID: key[1]}}, nil
		})
		if _, err := c.Fetch(context.Background(), MessagesKey("c1")); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Fetch(context.Background(), MessagesKey("c2")); err != nil {
			t.Fatal(err)
		}
		<-done
		<-done

		c.Invalidate(KeyMessages)
		c.Wait()
		close(done)
		for k := range done {
			fetched = append(fetched, k)
		}
		if len(fetched) != 2 {
			t.Fatalf("refetched %v, want both conversations", fetched)
		}
	})

	t.Run("exact key leaves siblings alone", func(t *testing.T) {
		c := NewQueryCache()
		defer c.Close()

		var calls atomic.Int32
		c.RegisterPrefix(KeyMessages, func(context.Context, QueryKey) (any, error) {
			calls.Add(1)
			return []Message{}, nil
		})
		c.Fetch(context.Background(), MessagesKey("c1"))
		c.Fetch(context.Background(), MessagesKey("c2"))
		calls.Store(0)

		c.Invalidate(MessagesKey("c1"))
		c.Wait()
		if n := calls.Load(); n != 1 {
			t.Fatalf("fetches = %d, want 1", n)
		}
		if c.Stale(MessagesKey("c2")) {
			t.Fatal("sibling marked stale")
		}
	})

	t.Run("unobserved prefix fetcher is not fetched", func(t *testing.T) {
		c := NewQueryCache()
		defer c.Close()

		var calls atomic.Int32
		c.RegisterPrefix(KeyMessages, func(context.Context, QueryKey) (any, error) {
			calls.Add(1)
			return nil, nil
		})
		c.Invalidate(KeyMessages)
		c.Wait()
		if n := calls.Load(); n != 0 {
			t.Fatalf("fetches = %d, want 0", n)
		}
	})
}

func TestQueryCacheStaleResponseDropped(t *testing.T) {
	c := NewQueryCache()
	defer c.Close()

	var calls atomic.Int32
	started := make(chan int32, 2)
	release := make(chan struct{})
	c.Register(KeyNotifications, func(context.Context, QueryKey) (any, error) {
		n := calls.Add(1)
		started <- n
		if n == 1 {
			<-release
			return "old", nil
		}
		return "new", nil
	})

	c.Invalidate(KeyNotifications)
	if n := <-started; n != 1 {
		t.Fatalf("first fetch = %d", n)
	}
	c.Invalidate(KeyNotifications)
	<-started
	waitFor(t, "second fetch applied", func() bool {
		v, _ := Lookup[string](c, KeyNotifications)
		return v == "new"
	})

	close(release)
	c.Wait()

	if v, _ := Lookup[string](c, KeyNotifications); v != "new" {
		t.Fatalf("value = %q, stale response overwrote newer one", v)
	}
}

func TestQueryCacheFetchErrorKeepsValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewQueryCache(WithQueryMetrics(m))
	defer c.Close()

	fail := errors.New("503")
	c.Register(KeyConversations, func(context.Context, QueryKey) (any, error) {
		return nil, fail
	})
	c.Set(KeyConversations, []Conversation{{ID: "c1", UnreadCount: 2}})

	c.Invalidate(KeyConversations)
	c.Wait()

	convs, ok := Lookup[[]Conversation](c, KeyConversations)
	if !ok || len(convs) != 1 {
		t.Fatalf("value lost after failed fetch: %v", convs)
	}
	if !c.Stale(KeyConversations) {
		t.Fatal("entry should stay stale after failed fetch")
	}
	if got := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("conversations", "error")); got != 1 {
		t.Fatalf("error fetches = %v", got)
	}
	if got := testutil.ToFloat64(m.InvalidationsTotal.WithLabelValues("conversations")); got != 1 {
		t.Fatalf("invalidations = %v", got)
	}
}

func TestQueryCacheReset(t *testing.T) {
	c := NewQueryCache()
	defer c.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c.Register(KeyConversations, func(context.Context, QueryKey) (any, error) {
		started <- struct{}{}
		<-release
		return []Conversation{{ID: "previous-user"}}, nil
	})

	c.Invalidate(KeyConversations)
	<-started
	c.Reset()
	close(release)
	c.Wait()

	if _, ok := c.Get(KeyConversations); ok {
		t.Fatal("in-flight fetch from before Reset was stored")
	}
	keys := c.Keys()
	if len(keys) != 1 || keys[0].String() != "conversations" {
		t.Fatalf("observed keys after reset = %v", keys)
	}
}

func TestQueryCacheSubscribe(t *testing.T) {
	c := NewQueryCache()
	defer c.Close()

	var got []string
	unsub := c.Subscribe(func(k QueryKey) { got = append(got, k.String()) })
	c.Set(KeyNotifications, []Notification{})
	c.Set(MessagesKey("c1"), []Message{})
	unsub()
	c.Set(KeyNotifications, []Notification{})

	if len(got) != 2 || got[0] != "notifications" || got[1] != "messages/c1" {
		t.Fatalf("notified = %v", got)
	}
}

func TestQueryCacheFetch(t *testing.T) {
	c := NewQueryCache()
	defer c.Close()

	t.Run("no fetcher", func(t *testing.T) {
		if _, err := c.Fetch(context.Background(), QueryKey{"unknown"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("most specific fetcher wins", func(t *testing.T) {
		c.RegisterPrefix(KeyMessages, func(context.Context, QueryKey) (any, error) { return "generic", nil })
		c.Register(MessagesKey("pinned"), func(context.Context, QueryKey) (any, error) { return "pinned", nil })

		v, err := c.Fetch(context.Background(), MessagesKey("pinned"))
		if err != nil || v != "pinned" {
			t.Fatalf("Fetch = %v, %v", v, err)
		}
		v, err = c.Fetch(context.Background(), MessagesKey("other"))
		if err != nil || v != "generic" {
			t.Fatalf("Fetch = %v, %v", v, err)
		}
	})

	t.Run("lookup type mismatch", func(t *testing.T) {
		c.Set(KeyConversations, "not a slice")
		if _, ok := Lookup[[]Conversation](c, KeyConversations); ok {
			t.Fatal("expected mismatch")
		}
	})

	t.Run("unregister drops entries", func(t *testing.T) {
		c.Unregister(KeyMessages)
		if _, ok := c.Get(MessagesKey("other")); ok {
			t.Fatal("entry survived Unregister")
		}
	})
}
