package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/streamharness/internal/model"
)

// SeedFile is the YAML layout of a pool seed file:
//
//	pools:
//	  streaming:
//	    - {key: live_abc, server: rtmp://example/app}
type SeedFile struct {
	Pools map[string][]map[string]any `yaml:"pools"`
}

// LoadSeed reads a seed file from path.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// Seed adds the users of every pool in seed that does not exist yet, and
// returns how many users were added. Existing pools are left untouched so a
// restart does not duplicate credentials.
func Seed(ctx context.Context, s Store, seed *SeedFile, now time.Time) (int, error) {
	existing, err := s.ListPools(ctx)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(seed.Pools))
	for name := range seed.Pools {
		names = append(names, name)
	}
	slices.Sort(names)

	added := 0
	for _, name := range names {
		if slices.Contains(existing, name) {
			continue
		}
		for i, creds := range seed.Pools[name] {
			raw, err := json.Marshal(creds)
			if err != nil {
				return added, fmt.Errorf("encode credentials %d of pool %q: %w", i, name, err)
			}
			u := &model.PoolUser{
				ID:          model.NewID(),
				Pool:        name,
				Credentials: raw,
				// Offsets keep the seed order as the grant order.
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			}
			if err := s.AddUser(ctx, u); err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}
