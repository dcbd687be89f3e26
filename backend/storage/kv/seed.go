package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Fixture describes the initial records loaded at startup.
type Fixture struct {
	Users  []User `json:"users"`
	Groups []struct {
		Group
		Members []int64 `json:"members"`
	} `json:"groups"`
	Contacts [][2]int64 `json:"contacts"`
}

func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read seed file: %w", err)
	}
	var f Fixture
	if err = json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse seed file: %w", err)
	}
	return &f, nil
}

// Seed writes every record of the fixture. Existing records are overwritten.
func (s *Store) Seed(ctx context.Context, f *Fixture) error {
	for _, u := range f.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %d: %w", u.ID, err)
		}
	}
	for _, g := range f.Groups {
		if err := s.PutGroup(ctx, g.Group, g.Members...); err != nil {
			return fmt.Errorf("seed group %d: %w", g.ID, err)
		}
	}
	for _, pair := range f.Contacts {
		if err := s.AddContact(ctx, pair[0], pair[1]); err != nil {
			return fmt.Errorf("seed contact %d-%d: %w", pair[0], pair[1], err)
		}
	}
	s.logger.Info().
		Int("users", len(f.Users)).
		Int("groups", len(f.Groups)).
		Int("contacts", len(f.Contacts)).
		Msg("seed loaded")
	return nil
}
