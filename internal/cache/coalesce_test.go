package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCoalescer_SingleCallerLeads(t *testing.T) {
	co := NewCoalescer()

	ran := false
	followed, err := co.Do(context.Background(), "k", func() { ran = true })
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if followed {
		t.Error("first caller should lead, not follow")
	}
	if !ran {
		t.Error("leader's fill did not run")
	}
}

func TestCoalescer_FollowersWaitForLeader(t *testing.T) {
	co := NewCoalescer()

	started := make(chan struct{})
	release := make(chan struct{})

	var leaderDone bool
	go func() {
		co.Do(context.Background(), "k", func() {
			close(started)
			<-release
			leaderDone = true
		})
	}()
	<-started

	const followers = 4
	var wg sync.WaitGroup
	results := make(chan bool, followers)
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			followed, err := co.Do(context.Background(), "k", func() {
				t.Error("follower fill ran while leader held the key")
			})
			if err != nil {
				t.Errorf("follower Do() error = %v", err)
			}
			results <- followed
		}()
	}

	close(release)
	wg.Wait()
	close(results)

	if !leaderDone {
		t.Fatal("leader fill never finished")
	}
	for followed := range results {
		if !followed {
			t.Error("concurrent caller led instead of following")
		}
	}
}

func TestCoalescer_DistinctKeysDoNotWait(t *testing.T) {
	co := NewCoalescer()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		co.Do(context.Background(), "a", func() {
			close(started)
			<-release
		})
	}()
	<-started
	defer close(release)

	done := make(chan struct{})
	go func() {
		followed, _ := co.Do(context.Background(), "b", func() {})
		if followed {
			t.Error("different key should not follow")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fill for a different key blocked behind an unrelated leader")
	}
}

func TestCoalescer_FollowerContextCancelled(t *testing.T) {
	co := NewCoalescer()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		co.Do(context.Background(), "k", func() {
			close(started)
			<-release
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	followed, err := co.Do(ctx, "k", func() {
		t.Error("fill ran for a cancelled follower")
	})
	if !followed {
		t.Error("expected follower")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCoalescer_KeyReusableAfterFill(t *testing.T) {
	co := NewCoalescer()

	for i := 0; i < 3; i++ {
		followed, err := co.Do(context.Background(), "k", func() {})
		if err != nil {
			t.Fatalf("round %d: Do() error = %v", i, err)
		}
		if followed {
			t.Errorf("round %d: sequential caller should lead", i)
		}
	}
}
