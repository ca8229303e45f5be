package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the user's bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	t := strings.TrimSpace(string(s))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

// FileToken reads the token from a file on every call, so a login flow
// that rewrites the file is picked up without restarting.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	t := strings.TrimSpace(string(data))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

// FirstToken returns the first source that yields a token.
func FirstToken(sources ...TokenSource) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		for _, s := range sources {
			if s == nil {
				continue
			}
			t, err := s.Token(ctx)
			if errors.Is(err, ErrNoToken) {
				continue
			}
			return t, err
		}
		return "", ErrNoToken
	})
}
