package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NameAllocator hands out canonical output paths inside one destination
// directory. It is seeded from a single directory scan and reserves every
// name it returns, so concurrent workers never race for the same target.
type NameAllocator struct {
	mu   sync.Mutex
	dir  string
	used map[string]struct{}
}

func NewNameAllocator(dir string) (*NameAllocator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error scanning output directory: %v", err)
	}
	used := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		used[e.Name()] = struct{}{}
	}
	return &NameAllocator{dir: dir, used: used}, nil
}

// Reserve returns the first free path for stem+ext, appending a _N suffix on
// collision. The returned name stays reserved for the rest of the run.
func (a *NameAllocator) Reserve(stem, ext string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := stem + ext
	for n := 1; a.taken(name); n++ {
		name = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
	a.used[name] = struct{}{}
	return filepath.Join(a.dir, name)
}

// taken also checks the disk so files created outside the allocator are
// respected.
func (a *NameAllocator) taken(name string) bool {
	if _, ok := a.used[name]; ok {
		return true
	}
	_, err := os.Stat(filepath.Join(a.dir, name))
	return err == nil
}

func (a *NameAllocator) Dir() string { return a.dir }
