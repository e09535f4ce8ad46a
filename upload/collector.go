package upload

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// CollectFiles expands the given paths and glob patterns into file
// descriptors. Directories are walked recursively; relative paths inside a
// directory are preserved (including the directory's own name) so the
// server can rebuild the uploaded tree.
func CollectFiles(paths []string, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) ([]FileDescriptor, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if matches == nil {
			logger.Warnf("No match for path pattern: %s", path)
			continue
		}
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var files []FileDescriptor
	for _, path := range expandedPaths {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil {
			logger.Warnf("Failed to stat path %s, error: %s", absPath, err)
			continue
		}

		if !info.IsDir() {
			files = append(files, describeFile(absPath, info.Size(), ""))
			continue
		}

		collected, err := collectDir(absPath)
		if err != nil {
			return nil, fmt.Errorf("walk directory %s: %w", absPath, err)
		}
		files = append(files, collected...)
	}

	return files, nil
}

func collectDir(root string) ([]FileDescriptor, error) {
	parent := filepath.Dir(root)

	var files []FileDescriptor
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}

		files = append(files, describeFile(path, info.Size(), filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func describeFile(path string, size int64, relativePath string) FileDescriptor {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return FileDescriptor{
		Name:         filepath.Base(path),
		SizeBytes:    size,
		MIMEType:     mimeType,
		RelativePath: relativePath,
		LocalPath:    path,
	}
}
