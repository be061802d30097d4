package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TokenSource yields the stored bearer token.
type TokenSource interface {
	Token() (string, error)
}

type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrEmptyToken
	}
	return string(t), nil
}

type EnvToken string

func (e EnvToken) Token() (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("%s: %w", string(e), ErrEmptyToken)
	}
	return v, nil
}

// FileTokenSource reads the token from a file the app's session layer writes.
type FileTokenSource struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	last string
}

func NewFileTokenSource(path string, logger zerolog.Logger) *FileTokenSource {
	return &FileTokenSource{
		path:   path,
		logger: logger.With().Str("component", "token_file").Str("path", path).Logger(),
	}
}

func (f *FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%s: %w", f.path, ErrEmptyToken)
	}

	f.mu.Lock()
	f.last = tok
	f.mu.Unlock()
	return tok, nil
}

// Watch calls onChange with the new token every time the file is rewritten
// with a different value. It blocks until ctx is done.
func (f *FileTokenSource) Watch(ctx context.Context, onChange func(token string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the file.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			f.reload(onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Msg("Token watcher error")
		}
	}
}

func (f *FileTokenSource) reload(onChange func(string)) {
	f.mu.Lock()
	prev := f.last
	f.mu.Unlock()

	tok, err := f.Token()
	if err != nil {
		f.logger.Debug().Err(err).Msg("Token file not readable yet")
		return
	}
	if tok == prev {
		return
	}
	f.logger.Info().Msg("Token rotated")
	onChange(tok)
}
