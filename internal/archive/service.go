// Package archive mirrors every committed plan snapshot into a per-plan
// git repository. The database remains authoritative; the archive is a
// best-effort secondary record for offline inspection and backup.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"planvault/api/internal/plan"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "plan.json"

// Entry summarizes one archived snapshot commit.
type Entry struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordVersion commits the canonical document to the plan's archive repo
// and tags the commit v<number>. The repo is created on first use.
func (s *Service) RecordVersion(planID string, number int, doc plan.Document, author, changeType, summary string) error {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(planID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("v%d %s", number, changeType)
	if summary != "" {
		message += ": " + summary
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@planvault.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	tagName := fmt.Sprintf("v%d", number)
	_, err = repo.CreateTag(tagName, hash, nil)
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("tag snapshot %s: %w", tagName, err)
	}
	return nil
}

// GetVersion reads the archived canonical document for version number.
func (s *Service) GetVersion(planID string, number int) (plan.Document, error) {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if err != nil {
		return plan.Document{}, fmt.Errorf("open archive repo: %w", err)
	}

	tagName := fmt.Sprintf("v%d", number)
	hash, err := repo.ResolveRevision(plumbing.Revision(tagName))
	if err != nil {
		return plan.Document{}, fmt.Errorf("resolve %s: %w", tagName, err)
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return plan.Document{}, fmt.Errorf("read commit %s: %w", tagName, err)
	}
	return readSnapshotFromCommit(commitObj)
}

// History lists archived commits, newest first.
func (s *Service) History(planID string, limit int) ([]Entry, error) {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if err != nil {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		entries = append(entries, Entry{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return entries, nil
}

func (s *Service) openOrInit(planID string) (*git.Repository, error) {
	path := s.repoPath(planID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init archive repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(planID string) string {
	return filepath.Join(s.baseDir, planID)
}

func (s *Service) planLock(planID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[planID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[planID] = lock
	}
	return lock
}

func readSnapshotFromCommit(commitObj *object.Commit) (plan.Document, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return plan.Document{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return plan.Document{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return plan.Document{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var doc plan.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return plan.Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
