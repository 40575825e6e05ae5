// Package scanner expands import sources into the flat, ordered list of
// candidate files an import job will enumerate.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/localkb/localkb/internal/job"
)

// noisyDirs are directory names skipped during directory walks. They hold
// generated or tool-managed trees that users never mean to index.
var noisyDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".idea":        {},
	".vscode":      {},
}

// maxWalkers bounds concurrent directory walks for multi-directory sources.
const maxWalkers = 4

// Expand resolves sources into candidate file paths, deduplicated while
// preserving first-seen order. File sources are taken verbatim; directory
// sources are walked (recursively unless Recursive is false), skipping noisy
// directories. Unreadable directories are skipped silently, matching the
// per-item error model: a missing file fails its own job item, not the
// expansion.
func Expand(ctx context.Context, sources []job.Source) ([]string, error) {
	var ordered []string
	seen := make(map[string]struct{})
	add := func(paths []string) {
		for _, p := range paths {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			ordered = append(ordered, p)
		}
	}

	for _, source := range sources {
		switch source.Type {
		case job.SourceFiles:
			add(source.Paths)
		case job.SourceDirectory:
			recursive := source.Recursive == nil || *source.Recursive
			collected, err := collectDirs(ctx, source.Paths, recursive)
			if err != nil {
				return nil, err
			}
			add(collected)
		default:
			return nil, fmt.Errorf("unknown source type %q", source.Type)
		}
	}
	return ordered, nil
}

// collectDirs walks each directory concurrently, then merges the results in
// the order the directories were given.
func collectDirs(ctx context.Context, dirs []string, recursive bool) ([]string, error) {
	results := make([][]string, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWalkers)

	var mu sync.Mutex
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			files, err := walkDir(ctx, dir, recursive)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = files
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, files := range results {
		out = append(out, files...)
	}
	return out, nil
}

// walkDir collects regular files under dir. Entries within one directory are
// visited in sorted name order so expansion is deterministic.
func walkDir(ctx context.Context, dir string, recursive bool) ([]string, error) {
	var out []string
	stack := []string{dir}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(current)
		if err != nil {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if entry.IsDir() {
				if _, noisy := noisyDirs[entry.Name()]; noisy {
					continue
				}
				if recursive {
					stack = append(stack, filepath.Join(current, entry.Name()))
				}
				continue
			}
			if entry.Type().IsRegular() {
				out = append(out, filepath.Join(current, entry.Name()))
			}
		}
	}
	return out, nil
}
