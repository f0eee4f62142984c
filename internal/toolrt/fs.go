package toolrt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cardline/internal/domain"
)

// FS holds the filesystem tools, rooted at Root. Writes and deletes to one path are
// serialized through Locks.
type FS struct {
	Root  string
	Locks *LockManager
}

// Register installs read_file, write_file, list_dir and delete_file.
func (f FS) Register(r *Registry) {
	r.Register("read_file", f.ReadFile)
	r.Register("write_file", f.WriteFile)
	r.Register("list_dir", f.ListDir)
	r.Register("delete_file", f.DeleteFile)
}

// resolve maps a tool path to an absolute path inside Root.
func (f FS) resolve(p string) (string, string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", "", errors.New("path is required")
	}
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", "", err
	}
	abs := filepath.FromSlash(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %s escapes workspace", p)
	}
	return abs, filepath.ToSlash(rel), nil
}

func (f FS) lock(rel string) func() {
	if f.Locks == nil {
		return func() {}
	}
	return f.Locks.Lock(rel)
}

func (f FS) ReadFile(_ context.Context, args map[string]any, _ domain.TurnContext) (map[string]any, error) {
	abs, rel, err := f.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return map[string]any{"path": rel, "content": string(data), "bytes": len(data)}, nil
}

func (f FS) WriteFile(_ context.Context, args map[string]any, _ domain.TurnContext) (map[string]any, error) {
	abs, rel, err := f.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	content, _ := args["content"].(string)
	unlock := f.lock(rel)
	defer unlock()
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}
	return map[string]any{"path": rel, "bytes": len(content)}, nil
}

func (f FS) ListDir(_ context.Context, args map[string]any, _ domain.TurnContext) (map[string]any, error) {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	abs, rel, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	names := make([]any, 0, len(entries))
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]any{"path": rel, "entries": names}, nil
}

func (f FS) DeleteFile(_ context.Context, args map[string]any, _ domain.TurnContext) (map[string]any, error) {
	abs, rel, err := f.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, errors.New("refusing to delete workspace root")
	}
	unlock := f.lock(rel)
	defer unlock()
	if err := os.Remove(abs); err != nil {
		return nil, fmt.Errorf("delete %s: %w", rel, err)
	}
	return map[string]any{"path": rel, "deleted": true}, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
