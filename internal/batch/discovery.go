// Package batch expands command line inputs into the list of image files to process.
package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// DiscoverOptions controls how directories and patterns are expanded.
type DiscoverOptions struct {
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string
}

// DiscoverImages expands args into image paths. Arguments that are not
// directories, including ones that do not exist, are kept as-is after pattern
// filtering so that loading reports them per file. Directories contribute only
// files with a supported image extension, in lexical order.
func DiscoverImages(args []string, opts DiscoverOptions) ([]string, error) {
	var images []string

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err == nil && info.IsDir() {
			files, err := discoverInDirectory(arg, opts)
			if err != nil {
				return nil, err
			}
			images = append(images, files...)
		} else if shouldIncludeFile(arg, opts.IncludePatterns, opts.ExcludePatterns) {
			images = append(images, arg)
		}
	}

	return images, nil
}

func discoverInDirectory(dir string, opts DiscoverOptions) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !opts.Recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if utils.IsSupportedImage(path) && shouldIncludeFile(path, opts.IncludePatterns, opts.ExcludePatterns) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	slices.Sort(files)
	return files, nil
}

// shouldIncludeFile applies exclude patterns first, then requires an include
// match when any include pattern is set.
func shouldIncludeFile(path string, includePatterns, excludePatterns []string) bool {
	if matchesAnyPattern(path, excludePatterns) {
		return false
	}
	if len(includePatterns) == 0 {
		return true
	}
	return matchesAnyPattern(path, includePatterns)
}

// matchesAnyPattern matches patterns against the base name of path.
func matchesAnyPattern(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
