// Package workspace identifies the workspace a server instance runs in.
// Sessions created by one workspace never mix with another's because the
// workspace id namespaces the storage tree.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Info contains workspace metadata.
type Info struct {
	ID        string  `json:"id"`
	Directory string  `json:"directory"`
	VCSDir    *string `json:"vcsDir,omitempty"`
	VCS       *string `json:"vcs,omitempty"`
}

// cache stores workspace info by directory to avoid repeated git calls.
var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*Info)
)

// FromDirectory detects workspace information for a directory.
// Git repositories are identified by the SHA of the initial commit, so
// every checkout of the same repository maps to the same workspace.
// Non-git directories fall back to a hash of the absolute path.
func FromDirectory(directory string) (*Info, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}

	cacheMu.RLock()
	if info, ok := cache[directory]; ok {
		cacheMu.RUnlock()
		return info, nil
	}
	cacheMu.RUnlock()

	gitDir := findGitDir(directory)
	if gitDir == "" {
		info := &Info{
			ID:        HashDirectory(directory),
			Directory: directory,
		}
		cacheWorkspace(directory, info)
		return info, nil
	}

	// Worktree root
	root := filepath.Dir(gitDir)
	rootCmd := exec.Command("git", "rev-parse", "--show-toplevel")
	rootCmd.Dir = root
	if output, err := rootCmd.Output(); err == nil {
		root = strings.TrimSpace(string(output))
	}

	id := gitInitialCommit(root)
	if id == "" {
		id = HashDirectory(root)
	}

	vcs := "git"
	info := &Info{
		ID:        id,
		Directory: root,
		VCSDir:    &gitDir,
		VCS:       &vcs,
	}
	cacheWorkspace(directory, info)
	return info, nil
}

// ID returns just the workspace id for a directory.
func ID(directory string) (string, error) {
	info, err := FromDirectory(directory)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// HashDirectory derives a stable workspace id from a directory path.
func HashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// findGitDir walks up from the given directory looking for a .git directory.
func findGitDir(start string) string {
	current := start
	for {
		gitPath := filepath.Join(current, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() {
				return gitPath
			}
			// .git might be a file (for worktrees/submodules)
			if content, err := os.ReadFile(gitPath); err == nil {
				line := strings.TrimSpace(string(content))
				if strings.HasPrefix(line, "gitdir: ") {
					gitdir := strings.TrimPrefix(line, "gitdir: ")
					if !filepath.IsAbs(gitdir) {
						gitdir = filepath.Join(current, gitdir)
					}
					return gitdir
				}
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// gitInitialCommit returns the SHA of the repository's first commit. When
// history has several roots the lexicographically smallest wins, so the id
// is stable across clones.
func gitInitialCommit(root string) string {
	cmd := exec.Command("git", "rev-list", "--max-parents=0", "--all")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	roots := strings.Fields(strings.TrimSpace(string(output)))
	if len(roots) == 0 {
		return ""
	}
	min := roots[0]
	for _, r := range roots[1:] {
		if r < min {
			min = r
		}
	}
	return min
}

func cacheWorkspace(directory string, info *Info) {
	cacheMu.Lock()
	cache[directory] = info
	cacheMu.Unlock()
}
