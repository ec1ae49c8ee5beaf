package extractor

import (
	"context"
	"sync"
)

// parentCache holds the parent identifiers resolved during one run. Each
// parent endpoint is fetched at most once; failed loads are not cached.
type parentCache struct {
	mu  sync.Mutex
	ids map[string][]string
}

func newParentCache() *parentCache {
	return &parentCache{ids: make(map[string][]string)}
}

func (c *parentCache) resolve(ctx context.Context, name string, load func(ctx context.Context) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ids, ok := c.ids[name]; ok {
		return ids, nil
	}

	ids, err := load(ctx)
	if err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	c.ids[name] = ids
	return ids, nil
}

// dedupe drops repeated identifiers, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
