package access

import (
	"errors"
	"testing"
	"time"
)

func TestAllowList_EmptyAdmitsEveryone(t *testing.T) {
	a := NewAllowList(nil)
	if err := a.Check("anyone"); err != nil {
		t.Errorf("empty allow-list should admit everyone, got %v", err)
	}
}

func TestAllowList_RestrictsToMembers(t *testing.T) {
	a := NewAllowList([]string{"alice", " bob ", ""})
	if err := a.Check("alice"); err != nil {
		t.Errorf("alice should be allowed, got %v", err)
	}
	if err := a.Check("bob"); err != nil {
		t.Errorf("bob should be allowed (whitespace trimmed), got %v", err)
	}
	if err := a.Check("mallory"); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}
}

func TestVisibility_NilShowsEverything(t *testing.T) {
	var v *Visibility
	if !v.IsVisible("anything", "anyone") {
		t.Error("nil visibility should show everything")
	}
}

func TestVisibility_HidesByPrefix(t *testing.T) {
	v := NewVisibility(map[string][]string{
		"alice": {"secret-", "internal-"},
	})

	if v.IsVisible("secret-market", "alice") {
		t.Error("secret- prefix should be hidden from alice")
	}
	if v.IsVisible("internal-test", "alice") {
		t.Error("internal- prefix should be hidden from alice")
	}
	if !v.IsVisible("public-market", "alice") {
		t.Error("unprefixed market should be visible to alice")
	}
	if !v.IsVisible("secret-market", "bob") {
		t.Error("prefixes only apply to the configured user")
	}
}

func TestCooldown_BlocksWithinWindow(t *testing.T) {
	c := NewCooldown(3 * time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if err := c.Check("alice", 1); err != nil {
		t.Errorf("first trade should pass, got %v", err)
	}
	c.Record("alice", 1)

	now = now.Add(1 * time.Second)
	err := c.Check("alice", 1)
	var ce *CooldownError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if ce.Remaining <= 0 || ce.Remaining > 2*time.Second {
		t.Errorf("expected ~2s remaining, got %s", ce.Remaining)
	}

	now = now.Add(3 * time.Second)
	if err := c.Check("alice", 1); err != nil {
		t.Errorf("window elapsed, expected pass, got %v", err)
	}
}

func TestCooldown_KeyedPerUserAndMarket(t *testing.T) {
	c := NewCooldown(3 * time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Record("alice", 1)
	if err := c.Check("alice", 2); err != nil {
		t.Errorf("different market should not be blocked, got %v", err)
	}
	if err := c.Check("bob", 1); err != nil {
		t.Errorf("different user should not be blocked, got %v", err)
	}
}

func TestCooldown_DisabledWindow(t *testing.T) {
	c := NewCooldown(0)
	c.Record("alice", 1)
	if err := c.Check("alice", 1); err != nil {
		t.Errorf("zero window disables the cooldown, got %v", err)
	}
}
