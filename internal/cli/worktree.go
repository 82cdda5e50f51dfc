package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/relay/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage per-task git worktrees in the active repository",
}

func activeWorktrees() (*worktree.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	repo, err := cfg.ActiveRepository()
	if err != nil {
		return nil, err
	}
	return worktree.NewManager(&worktree.ExecGit{}, repo.Path, repo.WorktreeDir, repo.BaseBranch), nil
}

var worktreePathCmd = &cobra.Command{
	Use:   "path <task>",
	Short: "Print the worktree path and branch for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := activeWorktrees()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.Path(args[0]), worktree.BranchFor(args[0]))
		return nil
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <task>",
	Short: "Remove a task's worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteBranch, _ := cmd.Flags().GetBool("delete-branch")

		m, err := activeWorktrees()
		if err != nil {
			return err
		}
		if err := m.Remove(cmd.Context(), args[0], deleteBranch); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed worktree for task %s\n", args[0])
		return nil
	},
}

func init() {
	worktreeRemoveCmd.Flags().Bool("delete-branch", false, "Also delete the task branch")

	worktreeCmd.AddCommand(worktreePathCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
}
