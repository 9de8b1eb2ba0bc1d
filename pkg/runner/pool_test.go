package runner

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagePoolSizeIsCapped(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 4: 4, 8: 8, 64: MaxMessageRunners}
	for in, want := range cases {
		if got := MessagePoolSize(in); got != want {
			t.Fatalf("MessagePoolSize(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestStickyIndexIsStable(t *testing.T) {
	for _, key := range []string{"conv-1", "conv-2", "telegram:42", ""} {
		first := StickyIndex(key, 8)
		for range 10 {
			if got := StickyIndex(key, 8); got != first {
				t.Fatalf("StickyIndex(%q) = %d, want %d", key, got, first)
			}
		}
		if first < 0 || first >= 8 {
			t.Fatalf("StickyIndex(%q) = %d out of range", key, first)
		}
	}
	if got := StickyIndex("anything", 1); got != 0 {
		t.Fatalf("StickyIndex with one member = %d, want 0", got)
	}
}

func TestSubmitRunsEveryUnitOnSameKey(t *testing.T) {
	p := New(1, 4, nil)
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})

	var mu sync.Mutex
	seen := map[int]bool{}
	var dones []<-chan struct{}
	for i := range 20 {
		done, err := p.Submit(RoleMessage, "conv-1", func() {
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}

	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for units")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
}

func TestUnitsOnSameMemberOverlap(t *testing.T) {
	p := New(1, 2, nil)
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})

	first, second := keysOnSameMember(t, p)

	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := func() {
		arrived.Done()
		arrived.Wait()
	}

	doneA, err := p.Submit(RoleMessage, first, barrier)
	require.NoError(t, err)
	doneB, err := p.Submit(RoleMessage, second, barrier)
	require.NoError(t, err)

	for _, done := range []<-chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("units pinned to one member did not run at the same time")
		}
	}
}

func TestBlockedMemberDoesNotStallOtherMembers(t *testing.T) {
	p := New(1, 2, nil)
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})

	blockedKey, freeKey := keysOnDistinctMembers(t, p)

	release := make(chan struct{})
	_, err := p.Submit(RoleMessage, blockedKey, func() { <-release })
	require.NoError(t, err)
	defer close(release)

	done, err := p.Submit(RoleMessage, freeKey, func() {})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unit on free member did not run while another member was blocked")
	}
}

func TestStopWaitsForRunningUnitsAndRejectsNewWork(t *testing.T) {
	p := New(1, 1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	finished, err := p.Submit(RoleMessage, "k", func() {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	p.Stop()

	_, err = p.Submit(RoleBackground, "k", func() {})
	require.ErrorIs(t, err, ErrStopped)

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while a unit was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the unit finished")
	}
	select {
	case <-finished:
	default:
		t.Fatal("finished channel not closed")
	}
}

func keysOnDistinctMembers(t *testing.T, p *Pool) (string, string) {
	t.Helper()
	first := "conv-0"
	for i := 1; i < 100; i++ {
		candidate := "conv-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		if p.Index(RoleMessage, candidate) != p.Index(RoleMessage, first) {
			return first, candidate
		}
	}
	t.Fatal("could not find keys on distinct members")
	return "", ""
}

func keysOnSameMember(t *testing.T, p *Pool) (string, string) {
	t.Helper()
	first := "conv-a"
	for i := range 100 {
		candidate := fmt.Sprintf("conv-%d", i)
		if p.Index(RoleMessage, candidate) == p.Index(RoleMessage, first) {
			return first, candidate
		}
	}
	t.Fatal("could not find keys on the same member")
	return "", ""
}
