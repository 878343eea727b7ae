package varstore

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLookupResolvesImmediatelyAfterDefine(t *testing.T) {
	s := New()
	s.Register("w1")
	s.Define("region", "us-east-1", true)

	got, err := s.Lookup("w1", "region")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != "us-east-1" {
		t.Fatalf("Lookup = %v, want us-east-1", got)
	}
}

func TestSetValueOverridesDefault(t *testing.T) {
	s := New()
	s.Register("w1")
	s.SetValue("region", "eu-west-1")
	s.Define("region", "us-east-1", true)

	got, err := s.Lookup("w1", "region")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != "eu-west-1" {
		t.Fatalf("Lookup = %v, want eu-west-1 (value must win over default)", got)
	}
}

func TestSetValueBeforeDefineStillBlocks(t *testing.T) {
	s := New()
	s.Register("w1")
	// w2 stands for the still-free worker that will declare "region"; without
	// it, w1 blocking would leave no free worker and trigger cancellation.
	s.Register("w2")
	s.SetValue("region", "eu-west-1")

	done := make(chan struct{})
	var got any
	var err error
	go func() {
		got, err = s.Lookup("w1", "region")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Lookup returned before Define, even though value alone should not resolve it")
	case <-time.After(20 * time.Millisecond):
	}

	s.Define("region", nil, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lookup did not unblock after Define")
	}
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != "eu-west-1" {
		t.Fatalf("Lookup = %v, want eu-west-1", got)
	}
}

// TestCrossTemplateDependency mirrors a variable produced by one worker and
// consumed by another, with the consumer waiting before the producer
// defines it.
func TestCrossTemplateDependency(t *testing.T) {
	s := New()
	s.Register("producer")
	s.Register("consumer")

	var wg sync.WaitGroup
	wg.Add(2)

	var consumed any
	var consumeErr error

	go func() {
		defer wg.Done()
		consumed, consumeErr = s.Lookup("consumer", "vpc_id")
		s.Done("consumer")
	}()

	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		s.Define("vpc_id", "vpc-123", true)
		s.Done("producer")
	}()

	wg.Wait()

	if consumeErr != nil {
		t.Fatalf("consumer Lookup returned error: %v", consumeErr)
	}
	if consumed != "vpc-123" {
		t.Fatalf("consumed = %v, want vpc-123", consumed)
	}
}

// TestDeadlockBetweenTwoWorkers has two workers each waiting on a variable
// only the other could define. Neither ever does, so both must fail with a
// precise UnresolvedError instead of hanging forever.
func TestDeadlockBetweenTwoWorkers(t *testing.T) {
	s := New()
	s.Register("a")
	s.Register("b")

	var wg sync.WaitGroup
	wg.Add(2)

	errs := make(chan error, 2)

	go func() {
		defer wg.Done()
		_, err := s.Lookup("a", "needs_b")
		errs <- err
		s.Done("a")
	}()
	go func() {
		defer wg.Done()
		_, err := s.Lookup("b", "needs_a")
		errs <- err
		s.Done("b")
	}()

	waitOrFail(t, &wg, time.Second, "deadlocked workers never returned")
	close(errs)

	for err := range errs {
		if err == nil {
			t.Fatal("expected an UnresolvedError, got nil")
		}
		var uerr *UnresolvedError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected *UnresolvedError, got %T: %v", err, err)
		}
	}
}

// TestStrictUndefinedNeverDeclared covers a lookup for a name nobody ever
// defines: with only one live worker, it is never "free" once blocked, so
// it must be reported as unresolved rather than hang.
func TestStrictUndefinedNeverDeclared(t *testing.T) {
	s := New()
	s.Register("only")

	_, err := s.Lookup("only", "ghost")
	var uerr *UnresolvedError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UnresolvedError, got %T: %v", err, err)
	}
	if uerr.Name != "ghost" {
		t.Fatalf("UnresolvedError.Name = %q, want ghost", uerr.Name)
	}

	name, ok := s.LastUnresolved("only")
	if !ok || name != "ghost" {
		t.Fatalf("LastUnresolved = (%q, %v), want (ghost, true)", name, ok)
	}
}

// TestDefineWithoutDefaultStillWakesWaiters exercises the resolved "always
// broadcast" behavior: a variable declared with no default unblocks any
// waiter immediately, with a failure rather than an indefinite hang.
func TestDefineWithoutDefaultStillWakesWaiters(t *testing.T) {
	s := New()
	s.Register("a")
	s.Register("b")

	done := make(chan error, 1)
	go func() {
		_, err := s.Lookup("a", "flag")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Define("flag", nil, false)

	select {
	case err := <-done:
		var uerr *UnresolvedError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected *UnresolvedError, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Define without a default")
	}
}

// TestDoneTriggersDeadlockForRemainingWorker verifies that once the only
// free worker finishes, the remaining worker's still-unresolved lookup is
// declared deadlocked and fails.
func TestDoneTriggersDeadlockForRemainingWorker(t *testing.T) {
	s := New()
	s.Register("free")
	s.Register("blocked")

	done := make(chan error, 1)
	go func() {
		_, err := s.Lookup("blocked", "x")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Done("free")

	select {
	case err := <-done:
		var uerr *UnresolvedError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected *UnresolvedError, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining worker should have been declared deadlocked once the only free worker finished")
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}
