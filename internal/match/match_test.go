package match

import (
	"context"
	"errors"
	"testing"
)

// fakeGetter serves canned matches keyed by ID.
type fakeGetter struct {
	matches map[string]*Match
	err     error
}

func (f *fakeGetter) Get(ctx context.Context, matchID string) (*Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches[matchID], nil
}

func TestCounterpart(t *testing.T) {
	m := &Match{ID: "m-1", MemberA: "alice", MemberB: "bob"}

	if got := m.Counterpart("alice"); got != "bob" {
		t.Errorf("expected bob, got %q", got)
	}
	if got := m.Counterpart("bob"); got != "alice" {
		t.Errorf("expected alice, got %q", got)
	}
	if got := m.Counterpart("mallory"); got != "" {
		t.Errorf("expected empty for non-member, got %q", got)
	}
}

func TestIsMember(t *testing.T) {
	m := &Match{ID: "m-1", MemberA: "alice", MemberB: "bob"}

	if !m.IsMember("alice") || !m.IsMember("bob") {
		t.Error("both members should pass IsMember")
	}
	if m.IsMember("mallory") {
		t.Error("non-member should fail IsMember")
	}
}

func TestResolveCounterpart_OK(t *testing.T) {
	a := NewAuthority(&fakeGetter{matches: map[string]*Match{
		"m-1": {ID: "m-1", MemberA: "alice", MemberB: "bob", Status: StatusMatched},
	}})

	got, err := a.ResolveCounterpart(context.Background(), "m-1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "bob" {
		t.Errorf("expected bob, got %q", got)
	}
}

func TestResolveCounterpart_MissingMatch(t *testing.T) {
	a := NewAuthority(&fakeGetter{matches: map[string]*Match{}})

	_, err := a.ResolveCounterpart(context.Background(), "nope", "alice")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for missing match, got %v", err)
	}
}

func TestResolveCounterpart_NonMember(t *testing.T) {
	a := NewAuthority(&fakeGetter{matches: map[string]*Match{
		"m-1": {ID: "m-1", MemberA: "alice", MemberB: "bob", Status: StatusMatched},
	}})

	// A non-member probing an existing match must get the same error as a
	// missing match, so existence cannot be inferred.
	_, err := a.ResolveCounterpart(context.Background(), "m-1", "mallory")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for non-member, got %v", err)
	}
}

func TestResolveCounterpart_NotMatched(t *testing.T) {
	for _, status := range []string{StatusPending, StatusUnmatched, StatusBlocked} {
		a := NewAuthority(&fakeGetter{matches: map[string]*Match{
			"m-1": {ID: "m-1", MemberA: "alice", MemberB: "bob", Status: status},
		}})

		_, err := a.ResolveCounterpart(context.Background(), "m-1", "alice")
		if !errors.Is(err, ErrInvalidMatchState) {
			t.Errorf("status %q: expected ErrInvalidMatchState, got %v", status, err)
		}
	}
}

func TestResolveCounterpart_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	a := NewAuthority(&fakeGetter{err: storeErr})

	_, err := a.ResolveCounterpart(context.Background(), "m-1", "alice")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected the store error to propagate, got %v", err)
	}
}
