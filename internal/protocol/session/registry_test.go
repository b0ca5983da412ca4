package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/testutil/testlog"
	"github.com/juju/clock/testclock"
)

func TestSequencerUniqueUnderConcurrency(t *testing.T) {
	testlog.Start(t)
	seq := NewSequencer(testclock.NewClock(time.Unix(1700000000, 0)))

	const workers, per = 32, 1000
	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, seq.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range local {
				if _, dup := seen[v]; dup {
					t.Errorf("duplicate sequence %d", v)
				}
				seen[v] = struct{}{}
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d unique values, got %d", workers*per, len(seen))
	}
}

func TestSequencerSeededFromClock(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1700000000, 0)
	seq := NewSequencer(testclock.NewClock(now))
	if got := seq.Next(); got != uint64(now.UnixNano())+1 {
		t.Fatalf("unexpected first value %d", got)
	}
}

func TestRegistryTakeHasSingleWinner(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	c := newPendingCall(7, protocol.CmdRegister)
	if !r.Insert(c) {
		t.Fatalf("insert failed")
	}
	if r.Insert(newPendingCall(7, protocol.CmdGetValue)) {
		t.Fatalf("duplicate insert accepted")
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, ok := r.Take(7); ok {
				if got != c {
					t.Errorf("took wrong call")
				}
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty: %d", r.Len())
	}
}

func TestRegistryDrainEmptiesAll(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	for seq := uint64(1); seq <= 5; seq++ {
		r.Insert(newPendingCall(seq, protocol.CmdGetValue))
	}
	drained := r.Drain()
	if len(drained) != 5 || r.Len() != 0 {
		t.Fatalf("drain: got=%d left=%d", len(drained), r.Len())
	}
	if _, ok := r.Take(3); ok {
		t.Fatalf("take after drain found entry")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	b := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i+1, nil); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got=%s want=%s", i+1, got, w*time.Millisecond)
		}
	}
}
