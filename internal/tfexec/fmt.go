package tfexec

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
)

// FmtCache runs "<binary> fmt -" over arbitrary text and memoizes the
// result per source path for the process's lifetime: formatting the same
// file twice in one invocation (e.g. once for a preview, once before
// writing) only shells out once.
type FmtCache struct {
	binary string
	mu     sync.Mutex
	cache  map[string]string
}

// NewFmtCache creates a cache that formats with binary (e.g. "terraform"
// or "tofu").
func NewFmtCache(binary string) *FmtCache {
	return &FmtCache{binary: binary, cache: make(map[string]string)}
}

// Fmt returns the formatted text for path's contents, running the
// formatter at most once per path.
func (c *FmtCache) Fmt(path string, content []byte) (string, error) {
	c.mu.Lock()
	if cached, ok := c.cache[path]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	cmd := exec.Command(c.binary, "fmt", "-")
	cmd.Stdin = bytes.NewReader(content)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s fmt %s: %w: %s", c.binary, path, err, errOut.String())
	}

	formatted := out.String()
	c.mu.Lock()
	c.cache[path] = formatted
	c.mu.Unlock()
	return formatted, nil
}
