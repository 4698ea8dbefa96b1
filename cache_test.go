package receiver

import (
	"fmt"
	"testing"
)

func TestProcessResultCache(t *testing.T) {
	t.Run("counts attempts", func(t *testing.T) {
		c := NewProcessResultCache(10)

		pr := c.Record("10", "")
		if pr.ReceiveCount != 1 {
			t.Errorf("expected count 1, got %d", pr.ReceiveCount)
		}
		pr = c.Record("10", "failed")
		if pr.ReceiveCount != 2 {
			t.Errorf("expected count 2, got %d", pr.ReceiveCount)
		}
		if pr.Comments != "failed" {
			t.Errorf("expected comment to update, got %q", pr.Comments)
		}
		if pr.ReceiveDate.IsZero() {
			t.Error("expected receive date to be set")
		}
	})

	t.Run("evicts oldest inserted first", func(t *testing.T) {
		const size = 5
		const extra = 3
		c := NewProcessResultCache(size)

		for i := 0; i < size+extra; i++ {
			c.Record(fmt.Sprintf("msg-%d", i), "")
		}

		if c.Len() != size {
			t.Fatalf("expected %d entries, got %d", size, c.Len())
		}
		for i := 0; i < extra; i++ {
			if _, ok := c.Get(fmt.Sprintf("msg-%d", i)); ok {
				t.Errorf("expected msg-%d to be evicted", i)
			}
		}
		for i := extra; i < size+extra; i++ {
			if _, ok := c.Get(fmt.Sprintf("msg-%d", i)); !ok {
				t.Errorf("expected msg-%d to survive", i)
			}
		}
	})

	t.Run("eviction ignores access order", func(t *testing.T) {
		c := NewProcessResultCache(2)

		c.Record("a", "")
		c.Record("b", "")
		c.Record("a", "") // updating must not move "a" to the back
		c.Record("c", "")

		if _, ok := c.Get("a"); ok {
			t.Error("expected oldest-inserted entry a to be evicted")
		}
		if _, ok := c.Get("b"); !ok {
			t.Error("expected b to survive")
		}
		if _, ok := c.Get("c"); !ok {
			t.Error("expected c to survive")
		}
	})

	t.Run("reset keeps the entry", func(t *testing.T) {
		c := NewProcessResultCache(10)
		c.Record("10", "")
		c.Record("10", "")

		c.Reset("10")
		pr, ok := c.Get("10")
		if !ok {
			t.Fatal("expected entry to survive reset")
		}
		if pr.ReceiveCount != 0 {
			t.Errorf("expected count 0 after reset, got %d", pr.ReceiveCount)
		}
	})

	t.Run("default size", func(t *testing.T) {
		c := NewProcessResultCache(0)
		for i := 0; i < DefaultProcessResultCacheSize+1; i++ {
			c.Record(fmt.Sprintf("msg-%d", i), "")
		}
		if c.Len() != DefaultProcessResultCacheSize {
			t.Errorf("expected default bound %d, got %d", DefaultProcessResultCacheSize, c.Len())
		}
	})
}
