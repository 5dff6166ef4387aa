package source

import (
	"context"
	"fmt"
)

type Options struct {
	GitHub GitHubOptions
	SPTHub SPTHubOptions
	// S3 is optional. Mods with source s3 fail with ErrUnknownSource when unset.
	S3 *S3Config
	// S3Client overrides the client built from S3.
	S3Client S3API
}

// Registry resolves a Kind to its Source.
type Registry struct {
	sources map[Kind]Source
}

func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	hub, err := NewSPTHub(opts.SPTHub)
	if err != nil {
		return nil, err
	}

	r := &Registry{sources: map[Kind]Source{
		KindGitHub: NewGitHub(opts.GitHub),
		KindSPTHub: hub,
	}}

	if opts.S3.Enabled() {
		if err := opts.S3.Validate(); err != nil {
			return nil, err
		}
		client := opts.S3Client
		if client == nil {
			c, err := NewS3Client(ctx, opts.S3)
			if err != nil {
				return nil, err
			}
			client = c
		}
		r.sources[KindS3] = NewS3Mirror(client, opts.S3)
	}

	return r, nil
}

// NewRegistryWith builds a registry from explicit sources, keyed by their Kind.
func NewRegistryWith(sources ...Source) *Registry {
	r := &Registry{sources: make(map[Kind]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Kind()] = s
	}
	return r
}

func (r *Registry) Get(kind Kind) (Source, error) {
	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownSource, kind)
	}
	return s, nil
}
