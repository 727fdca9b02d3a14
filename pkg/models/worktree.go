package models

import "time"

// Worktree is an isolated checkout of the repository on a distinct branch,
// owned by exactly one agent for its lifetime.
type Worktree struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictedFile identifies a file with unmerged changes inside a worktree.
type ConflictedFile struct {
	// Path is relative to the worktree root.
	Path string `json:"path"`
	// FullPath is the absolute path on disk.
	FullPath string `json:"full_path"`
}
