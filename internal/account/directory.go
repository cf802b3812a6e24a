// Package account supplies per-account settings the pipeline needs: the time
// zone events are interpreted in and channel credential overrides.
package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"greetd/internal/channel"
	"greetd/internal/domain"
)

type Account struct {
	ID       string
	TimeZone string
	Channels map[domain.Channel]channel.Credentials
}

// Directory is a hot-swappable, in-memory account table.
type Directory struct {
	mu       sync.RWMutex
	fallback *time.Location
	locs     map[string]*time.Location
	accounts map[string]Account
}

func NewDirectory(defaultTZ string, accounts []Account) (*Directory, error) {
	d := &Directory{}
	if err := d.Apply(defaultTZ, accounts); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply replaces the table. Unknown zones fail the whole update.
func (d *Directory) Apply(defaultTZ string, accounts []Account) error {
	fallback, err := LoadZone(defaultTZ)
	if err != nil {
		return err
	}
	locs := make(map[string]*time.Location, len(accounts))
	byID := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("account without id")
		}
		if _, dup := byID[id]; dup {
			return fmt.Errorf("account %s listed twice", id)
		}
		loc := fallback
		if strings.TrimSpace(a.TimeZone) != "" {
			if loc, err = LoadZone(a.TimeZone); err != nil {
				return fmt.Errorf("account %s: %w", id, err)
			}
		}
		locs[id] = loc
		byID[id] = a
	}
	d.mu.Lock()
	d.fallback, d.locs, d.accounts = fallback, locs, byID
	d.mu.Unlock()
	return nil
}

// LoadZone resolves an IANA zone name; empty means UTC.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", name, err)
	}
	return loc, nil
}

// Location returns the account's zone, or the default zone.
func (d *Directory) Location(accountID string) *time.Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if loc, ok := d.locs[accountID]; ok {
		return loc
	}
	if d.fallback == nil {
		return time.UTC
	}
	return d.fallback
}

// Credentials implements channel.CredentialSource.
func (d *Directory) Credentials(_ context.Context, accountID string, ch domain.Channel) (channel.Credentials, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[accountID]
	if !ok {
		return channel.Credentials{}, false
	}
	c, ok := a.Channels[ch]
	return c, ok
}
