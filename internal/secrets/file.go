package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// maxSecretFileSize bounds how much of a secret file is read.
const maxSecretFileSize = 64 << 10

// FileProvider resolves references of the form "file:///absolute/path".
// Surrounding whitespace (including the trailing newline most editors add)
// is stripped from the file content.
type FileProvider struct{}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	const prefix = "file://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, notFound("file provider only handles file:// references, got %q", ref)
	}
	path := strings.TrimPrefix(ref, prefix)
	if path == "" {
		return nil, notFound("empty file path")
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("file %q does not exist", path)
		}
		return nil, fmt.Errorf("stat secret file %s: %w", path, err)
	}
	if info.Size() > maxSecretFileSize {
		return nil, fmt.Errorf("secret file %s is larger than %d bytes", path, maxSecretFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return nil, notFound("file %q is empty", path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
