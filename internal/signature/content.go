package signature

import (
	"context"
	"sync"

	"attest/pkg/platform/sentinel"
)

// Content is what the external content service returns for a resource: the
// structured body that gets fingerprinted plus its version marker.
type Content struct {
	ResourceType string
	ResourceID   string
	Name         string
	Version      string
	Body         map[string]any
}

// ContentSource is the read port onto the external content service. This
// core never stores content; it fetches, fingerprints, and lets go.
type ContentSource interface {
	// GetContent returns the current content and version marker.
	GetContent(ctx context.Context, resourceID string) (*Content, error)

	// GetContentVersion returns the content at a recorded version marker,
	// used when verifying an existing signature.
	GetContentVersion(ctx context.Context, resourceID, version string) (*Content, error)
}

// MemoryContentSource is a ContentSource for tests and development. Each Put
// becomes a retained version.
type MemoryContentSource struct {
	mu       sync.RWMutex
	current  map[string]*Content
	versions map[string]map[string]*Content
}

// NewMemoryContentSource builds an empty content source.
func NewMemoryContentSource() *MemoryContentSource {
	return &MemoryContentSource{
		current:  make(map[string]*Content),
		versions: make(map[string]map[string]*Content),
	}
}

// Put stores content as the resource's current state and retains it under
// its version marker.
func (s *MemoryContentSource) Put(c *Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneContent(c)
	s.current[c.ResourceID] = cp
	if s.versions[c.ResourceID] == nil {
		s.versions[c.ResourceID] = make(map[string]*Content)
	}
	s.versions[c.ResourceID][c.Version] = cp
}

func (s *MemoryContentSource) GetContent(_ context.Context, resourceID string) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.current[resourceID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneContent(c), nil
}

func (s *MemoryContentSource) GetContentVersion(_ context.Context, resourceID, version string) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.versions[resourceID][version]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneContent(c), nil
}

func cloneContent(c *Content) *Content {
	cp := *c
	if c.Body != nil {
		cp.Body = make(map[string]any, len(c.Body))
		for k, v := range c.Body {
			cp.Body[k] = v
		}
	}
	return &cp
}
