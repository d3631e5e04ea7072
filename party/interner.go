package party

import (
	"strings"
	"sync"
)

// Interner deduplicates the small closed set of language and identifier code
// strings that appear on millions of imported records. It is constructed once
// at startup and shared by reference; tests create fresh instances.
type Interner struct {
	mu    sync.RWMutex
	table map[string]string
}

func NewInterner() *Interner {
	return &Interner{table: make(map[string]string)}
}

// LangCode returns the canonical shared instance of a language code,
// normalized to lower case.
func (i *Interner) LangCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}

	i.mu.RLock()
	canonical, ok := i.table[code]
	i.mu.RUnlock()
	if ok {
		return canonical
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if canonical, ok := i.table[code]; ok {
		return canonical
	}
	i.table[code] = code
	return code
}

// Len reports the number of interned codes.
func (i *Interner) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.table)
}
