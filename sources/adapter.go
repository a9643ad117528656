package sources

import (
	"context"
	"errors"
	"fmt"
	"feedsync/models"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrUnknownKind = errors.New("unknown source kind")
	ErrPermanent   = errors.New("permanent source error")
)

// Permanent marks an error that retrying will not fix, e.g. revoked credentials
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownKind)
}

// Request describes one fetch of a source
type Request struct {
	URL         string
	AccessToken string
	Filters     string
	// Prior is the conditioning metadata returned by the previous fetch
	Prior models.Metadata
	// FirstSync is set when the source has never been fetched
	FirstSync bool
}

// Result is what a fetch produced. When Unchanged is set the origin reported
// no changes and Entries is empty.
type Result struct {
	Metadata   models.Metadata
	Entries    []models.NormalizedEntry
	Unchanged  bool
	RawPayload string
}

// Adapter produces normalized entries for one kind of source. Implementations
// must be safe to retry and must not touch storage.
type Adapter interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// AdapterFunc lets ordinary functions serve as adapters
type AdapterFunc func(ctx context.Context, req Request) (*Result, error)

func (f AdapterFunc) Fetch(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps source kinds to their adapter
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.SourceKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.SourceKind]Adapter)}
}

func (r *Registry) Register(kind models.SourceKind, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = adapter
}

func (r *Registry) Lookup(kind models.SourceKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return adapter, nil
}

// Kinds lists the registered source kinds
func (r *Registry) Kinds() []models.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.adapters)
}
