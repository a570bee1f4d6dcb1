package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PathPair is an input file matched under the input root together with the
// output directory that mirrors its containing directory under the output root.
type PathPair struct {
	Input     string
	OutputDir string
}

// MapPaths expands pattern under inputDir and maps every matching regular file
// to its mirrored output directory.
//
// The pattern uses doublestar syntax: "**" matches zero or more directories, so
// "**/*.mnc" also matches files directly under inputDir. Matches are sorted by
// path and directories are never returned.
func MapPaths(inputDir, outputDir, pattern string) ([]PathPair, error) {
	inputRoot, err := filepath.Abs(inputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving input dir: %w", err)
	}
	outputRoot, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}

	matches, err := globFiles(inputRoot, pattern)
	if err != nil {
		return nil, err
	}

	pairs := make([]PathPair, 0, len(matches))
	for _, m := range matches {
		rel := filepath.FromSlash(m)
		pairs = append(pairs, PathPair{
			Input:     filepath.Join(inputRoot, rel),
			OutputDir: filepath.Join(outputRoot, filepath.Dir(rel)),
		})
	}
	return pairs, nil
}

// CheckMasks rejects mask selections that cannot be processed unambiguously:
// a pattern that matched nothing, or a directory holding more than one mask.
// Two masks in one directory would share an output directory.
func CheckMasks(inputDir, pattern string, pairs []PathPair) error {
	if len(pairs) == 0 {
		return &InputError{Pattern: pattern, Dir: inputDir, Msg: "no input file found matching"}
	}

	byDir := make(map[string][]string)
	for _, p := range pairs {
		d := filepath.Dir(p.Input)
		byDir[d] = append(byDir[d], p.Input)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	for _, d := range dirs {
		masks := byDir[d]
		if len(masks) < 2 {
			continue
		}
		candidates := make([]string, len(masks))
		for i, m := range masks {
			candidates[i] = relOrAbs(d, m)
		}
		sort.Strings(candidates)
		return &InputError{Pattern: pattern, Dir: d, Candidates: candidates, Msg: "more than one file found matching"}
	}
	return nil
}

// globFiles returns the slash-separated paths of regular files under root
// matching pattern, relative to root and sorted.
func globFiles(root, pattern string) ([]string, error) {
	pattern = cleanPattern(pattern)
	if err := CheckPattern(pattern); err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, &InputError{Pattern: pattern, Dir: root, Msg: fmt.Sprintf("evaluating glob (%v)", err)}
	}
	sort.Strings(matches)
	return matches, nil
}

// CheckPattern reports a malformed glob without touching the filesystem.
func CheckPattern(pattern string) error {
	if !doublestar.ValidatePattern(cleanPattern(pattern)) {
		return &InputError{Pattern: pattern, Msg: "malformed glob"}
	}
	return nil
}

// cleanPattern drops a leading "./", which io/fs paths do not allow.
func cleanPattern(pattern string) string {
	for strings.HasPrefix(pattern, "./") {
		pattern = pattern[2:]
	}
	return pattern
}

func relOrAbs(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return p
	}
	return rel
}
