package updatecheck

import (
	"context"
	"fmt"
)

// StaticSource serves a fixed container list
type StaticSource []Container

// ListContainers returns a copy of the list
func (s StaticSource) ListContainers(context.Context) ([]Container, error) {
	return append([]Container(nil), s...), nil
}

// MultiSource concatenates several sources. Any failing source fails the listing.
type MultiSource []ContainerSource

func (m MultiSource) ListContainers(ctx context.Context) ([]Container, error) {
	var all []Container
	for i, src := range m {
		containers, err := src.ListContainers(ctx)
		if err != nil {
			return nil, fmt.Errorf("container source %d: %w", i, err)
		}
		all = append(all, containers...)
	}
	return all, nil
}
