package squirrelstore

import (
	"fmt"
	"strings"
	"sync"
)

// combiner maps logical keys (namespaces) to the main key whose table
// houses them.
type combiner struct {
	mu     sync.RWMutex
	frozen bool
	mainOf map[string]string // logical key -> main key
}

func newCombiner() *combiner {
	return &combiner{mainOf: make(map[string]string)}
}

// combine registers keys under mainKey. Nothing is registered unless every
// key is valid.
func (c *combiner) combine(mainKey string, keys []string) error {
	if strings.TrimSpace(mainKey) == "" {
		return fmt.Errorf("squirrelstore: combine: main key is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return ErrCombinerFrozen
	}
	if _, nested := c.mainOf[mainKey]; nested {
		return fmt.Errorf("%w: main key %q is itself combined under %q", ErrDuplicateKey, mainKey, c.mainOf[mainKey])
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("squirrelstore: combine: empty key under %q", mainKey)
		}
		if k == mainKey {
			return fmt.Errorf("%w: %q cannot be combined under itself", ErrDuplicateKey, k)
		}
		if existing, ok := c.mainOf[k]; ok && existing != mainKey {
			return fmt.Errorf("%w: %q is already combined under %q", ErrDuplicateKey, k, existing)
		}
		for other, main := range c.mainOf {
			if main == k {
				return fmt.Errorf("%w: %q is already a main key (of %q)", ErrDuplicateKey, k, other)
			}
		}
	}
	for _, k := range keys {
		c.mainOf[k] = mainKey
	}
	return nil
}

// resolve returns the main key for a logical key, if it is combined.
func (c *combiner) resolve(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	main, ok := c.mainOf[key]
	return main, ok
}

func (c *combiner) freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}
