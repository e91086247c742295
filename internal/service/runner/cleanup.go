package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JeromySt/foreman/internal/core"
)

// CleanupReport summarizes one orphaned-worktree scan.
type CleanupReport struct {
	Scanned []string `json:"scanned"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// ScheduleCleanup runs the orphaned-worktree scan after the startup delay.
func (r *Runner) ScheduleCleanup(ctx context.Context, delay time.Duration, extraRoots []string) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		report := r.CleanupOrphans(ctx, extraRoots)
		if len(report.Removed) > 0 || len(report.Errors) > 0 {
			r.logger.Info("orphaned worktree cleanup finished",
				"scanned", len(report.Scanned),
				"removed", len(report.Removed),
				"errors", len(report.Errors))
		}
	}()
}

// CleanupOrphans scans every repo known to live plans, plus extraRoots that
// contain a worktree directory, and removes directories that are neither
// git-registered nor referenced by any live plan. Errors are collected,
// never fatal. No plan locks are held while walking.
func (r *Runner) CleanupOrphans(ctx context.Context, extraRoots []string) *CleanupReport {
	report := &CleanupReport{}

	type repoScan struct {
		repoPath     string
		worktreeRoot string
	}
	repoSet := make(map[string]repoScan)

	// Collect repo paths and referenced worktrees from read-only plan
	// snapshots before touching the filesystem.
	referenced := make(map[string]bool)
	r.mu.RLock()
	ids := make([]core.PlanID, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.do(id, func(h *planHandle) error {
			plan := h.plan
			repoSet[plan.RepoPath] = repoScan{repoPath: plan.RepoPath, worktreeRoot: plan.WorktreeRoot}
			for _, nodeID := range plan.NodeOrder {
				if wt := plan.State(nodeID).WorktreePath; wt != "" {
					referenced[normalizePath(wt)] = true
				}
			}
			return nil
		})
	}
	for _, root := range extraRoots {
		if _, err := os.Stat(filepath.Join(root, core.DefaultWorktreeRoot)); err == nil {
			if _, seen := repoSet[root]; !seen {
				repoSet[root] = repoScan{repoPath: root, worktreeRoot: core.DefaultWorktreeRoot}
			}
		}
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, scan := range repoSet {
		scan := scan
		g.Go(func() error {
			r.cleanupRepo(ctx, scan.repoPath, scan.worktreeRoot, referenced, report, &mu)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (r *Runner) cleanupRepo(ctx context.Context, repoPath, worktreeRoot string, referenced map[string]bool, report *CleanupReport, mu *sync.Mutex) {
	if worktreeRoot == "" {
		worktreeRoot = core.DefaultWorktreeRoot
	}
	root := filepath.Join(repoPath, worktreeRoot)

	registered := make(map[string]bool)
	if worktrees, err := r.git.ListWorktrees(ctx, repoPath); err == nil {
		for _, wt := range worktrees {
			registered[normalizePath(wt.Path)] = true
		}
	} else {
		mu.Lock()
		report.Errors = append(report.Errors, "listing worktrees in "+repoPath+": "+err.Error())
		mu.Unlock()
	}

	// Layout is <root>/<planId>/<nodeId>; walk two levels.
	planDirs, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, planDir := range planDirs {
		if !planDir.IsDir() {
			continue
		}
		nodeDirs, err := os.ReadDir(filepath.Join(root, planDir.Name()))
		if err != nil {
			continue
		}
		for _, nodeDir := range nodeDirs {
			if !nodeDir.IsDir() {
				continue
			}
			path := filepath.Join(root, planDir.Name(), nodeDir.Name())
			norm := normalizePath(path)
			mu.Lock()
			report.Scanned = append(report.Scanned, path)
			mu.Unlock()

			if registered[norm] || referenced[norm] {
				continue
			}

			// Orphan: force-remove the registration, then the directory
			// if it survived.
			if err := r.git.RemoveWorktree(ctx, repoPath, path, true); err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, "removing worktree "+path+": "+err.Error())
				mu.Unlock()
			}
			if _, statErr := os.Stat(path); statErr == nil {
				if rmErr := os.RemoveAll(path); rmErr != nil {
					mu.Lock()
					report.Errors = append(report.Errors, "removing directory "+path+": "+rmErr.Error())
					mu.Unlock()
					continue
				}
			}
			mu.Lock()
			report.Removed = append(report.Removed, path)
			mu.Unlock()
		}
	}
}

func normalizePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
