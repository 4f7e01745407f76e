// Package access holds the boundary-side gatekeeping: the username
// allow-list, the per-user market visibility predicate, and the per-user
// per-market trade cooldown. All of it runs before the engine is invoked.
package access

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotAllowed is returned for usernames outside the allow-list.
var ErrNotAllowed = errors.New("access: user not allowed")

// AllowList restricts which usernames may use the API. An empty list
// admits everyone.
type AllowList struct {
	names map[string]struct{}
}

// NewAllowList builds an allow-list from usernames; blanks are ignored.
func NewAllowList(usernames []string) *AllowList {
	a := &AllowList{names: make(map[string]struct{})}
	for _, n := range usernames {
		n = strings.TrimSpace(n)
		if n != "" {
			a.names[n] = struct{}{}
		}
	}
	return a
}

// Check returns ErrNotAllowed when the allow-list is non-empty and does
// not contain the username.
func (a *AllowList) Check(username string) error {
	if a == nil || len(a.names) == 0 {
		return nil
	}
	if _, ok := a.names[username]; !ok {
		return ErrNotAllowed
	}
	return nil
}

// Visibility hides markets from specific users by name prefix.
type Visibility struct {
	hiddenPrefixes map[string][]string
}

// NewVisibility builds the predicate from a per-user prefix map. A nil or
// empty map makes every market visible to everyone.
func NewVisibility(hiddenPrefixes map[string][]string) *Visibility {
	return &Visibility{hiddenPrefixes: hiddenPrefixes}
}

// IsVisible reports whether the market is visible to the user.
func (v *Visibility) IsVisible(marketName, username string) bool {
	if v == nil {
		return true
	}
	for _, p := range v.hiddenPrefixes[username] {
		if strings.HasPrefix(marketName, p) {
			return false
		}
	}
	return true
}

// CooldownError reports how long the caller must wait before trading the
// same market again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	secs := int(e.Remaining.Seconds()) + 1
	return fmt.Sprintf("too many trades in this market, wait %d seconds", secs)
}

// Cooldown rate-limits trades per (username, market) pair. In-process
// only: restarting the server clears it, which is acceptable for a
// play-money exchange.
type Cooldown struct {
	window time.Duration

	mu   sync.Mutex
	last map[cooldownKey]time.Time
	now  func() time.Time
}

type cooldownKey struct {
	username string
	marketID int64
}

// NewCooldown creates a cooldown with the given window. A non-positive
// window disables it.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		last:   make(map[cooldownKey]time.Time),
		now:    time.Now,
	}
}

// Check returns a *CooldownError when the pair traded within the window.
func (c *Cooldown) Check(username string, marketID int64) error {
	if c == nil || c.window <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[cooldownKey{username, marketID}]
	if !ok {
		return nil
	}
	elapsed := c.now().Sub(last)
	if elapsed < c.window {
		return &CooldownError{Remaining: c.window - elapsed}
	}
	return nil
}

// Record marks a successful trade for the pair.
func (c *Cooldown) Record(username string, marketID int64) {
	if c == nil || c.window <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[cooldownKey{username, marketID}] = c.now()
}
