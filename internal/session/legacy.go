package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
)

// ImportLegacy loads the old single-file database (a JSON object of user id
// to record) into store, replacing any existing record for each user. It
// returns the number of users imported.
func ImportLegacy(ctx context.Context, store Store, r io.Reader) (int, error) {
	var legacy map[string]*Record
	if err := json.NewDecoder(r).Decode(&legacy); err != nil {
		return 0, fmt.Errorf("decode legacy sessions: %w", err)
	}
	users := make([]string, 0, len(legacy))
	for u, rec := range legacy {
		if u == "" || rec == nil {
			continue
		}
		users = append(users, u)
	}
	slices.Sort(users)
	for _, u := range users {
		src := legacy[u]
		if err := store.Update(ctx, u, func(rec *Record) error {
			*rec = *src.Clone()
			return nil
		}); err != nil {
			return 0, fmt.Errorf("import %s: %w", u, err)
		}
	}
	return len(users), nil
}
