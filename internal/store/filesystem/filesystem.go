// Package filesystem provides a read-only source of fallback credential
// bundles stored as KEY=VALUE files. Operators drop a file named after the
// user id into the fallback directory when the extension cannot reach the
// receiver; the diagnostic engine tries these after the stored bundle.
package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/haukened/ssidrelay/internal/domain"
)

// Fallback is one parsed fallback file.
type Fallback struct {
	Path    string
	ModTime time.Time
	Bundle  domain.Bundle
}

// Source lists fallback bundles for a user. A Source with an empty root
// yields nothing.
type Source struct {
	root string
}

// New returns a Source rooted at dir. An empty dir disables fallbacks; a
// non-empty dir must exist.
func New(root string) (*Source, error) {
	if root == "" {
		return &Source{}, nil
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("fallback root is not a directory")
	}
	return &Source{root: root}, nil
}

// names returns the candidate file names for id.
func names(id domain.UserID) []string {
	s := id.String()
	return []string{s + ".txt", s + ".env", ".env" + s}
}

// Bundles returns every readable fallback file for id that carries at least
// one credential, most recently modified first. Unreadable or empty files are
// skipped.
func (s *Source) Bundles(ctx context.Context, id domain.UserID) ([]Fallback, error) {
	if s == nil || s.root == "" {
		return nil, nil
	}
	if !id.Valid() {
		return nil, domain.ErrMalformedIdentity
	}
	var out []Fallback
	for _, name := range names(id) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// #nosec G304: name is built from a validated all-digit id with a fixed suffix.
		p := filepath.Join(s.root, name)
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		env, err := godotenv.Read(p)
		if err != nil {
			continue
		}
		b := domain.BundleFromEnv(env)
		if !b.HasCredentials() {
			continue
		}
		out = append(out, Fallback{Path: p, ModTime: fi.ModTime(), Bundle: b})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}
