package sheetgate

import (
	"strings"
	"sync"
)

type JournalFactory func(dsn string) (Journal, error)
type TabularStoreFactory func(dsn, token string) (TabularStore, error)

var backendFactoryRegistry = struct {
	mu               sync.RWMutex
	journalFactories map[string]JournalFactory
	storeFactories   map[string]TabularStoreFactory
}{
	journalFactories: map[string]JournalFactory{},
	storeFactories:   map[string]TabularStoreFactory{},
}

// RegisterJournalFactory plugs an additional journal backend in under
// scheme. A nil factory removes the registration.
func RegisterJournalFactory(scheme string, factory JournalFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	if factory == nil {
		delete(backendFactoryRegistry.journalFactories, scheme)
		return
	}
	backendFactoryRegistry.journalFactories[scheme] = factory
}

func RegisterTabularStoreFactory(scheme string, factory TabularStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	if factory == nil {
		delete(backendFactoryRegistry.storeFactories, scheme)
		return
	}
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func lookupJournalFactory(scheme string) (JournalFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.journalFactories[scheme]
	return factory, ok
}

func lookupTabularStoreFactory(scheme string) (TabularStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
