package playlist

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/agleyzer/livecaption/internal/store"
)

// Publisher makes a rebuilt manifest visible to players. name is a slash
// separated path relative to the session root, e.g. "subtitles/vi.m3u8".
type Publisher interface {
	Publish(name, body string) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(name, body string) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(name, body string) error { return f(name, body) }

// DirPublisher writes manifests under Root with an atomic rename, so a player
// polling the file never observes a partial rewrite.
type DirPublisher struct {
	Root string
}

// Publish implements Publisher.
func (d DirPublisher) Publish(name, body string) error {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return fmt.Errorf("invalid manifest name %q", name)
	}
	return store.WriteFileAtomic(filepath.Join(d.Root, filepath.FromSlash(clean[1:])), []byte(body))
}

// Prefixed publishes under prefix + "/" + name, used to namespace a session's
// manifests in a shared publisher.
func Prefixed(prefix string, p Publisher) Publisher {
	return PublisherFunc(func(name, body string) error {
		return p.Publish(path.Join(prefix, name), body)
	})
}

// Publishers fans a manifest out to every publisher, attempting all of them.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(name, body string) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(name, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
