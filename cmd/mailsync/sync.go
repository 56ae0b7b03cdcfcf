package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

var (
	syncAccount string
	syncFolder  string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize folders and messages",
	Long:  "Refresh the folder list and synchronize every sync-enabled folder of one or all accounts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stop := watchProgress(cmd, syncAccount)
		defer stop()

		if syncFolder != "" {
			if syncAccount == "" {
				return fmt.Errorf("--folder requires --account")
			}
			delta, err := app.manager.SyncFolder(ctx, syncAccount, syncFolder)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, delta)
			}
			printDelta(cmd.OutOrStdout(), syncFolder, delta)
			return nil
		}

		var (
			results map[string]*email.SyncResult
			err     error
		)
		if syncAccount != "" {
			var res *email.SyncResult
			res, err = app.manager.SyncAccount(ctx, syncAccount)
			if res != nil {
				results = map[string]*email.SyncResult{syncAccount: res}
			}
		} else {
			results, err = app.manager.SyncAll(ctx)
		}

		if jsonOutput {
			if perr := printJSON(cmd, results); perr != nil {
				return perr
			}
			return err
		}

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		out := cmd.OutOrStdout()
		for _, name := range names {
			printSyncResult(out, results[name])
		}
		return err
	},
}

func printSyncResult(w io.Writer, res *email.SyncResult) {
	fmt.Fprintf(w, "%s:\n", res.Account)
	if res.Folders != nil && (len(res.Folders.Added) > 0 || len(res.Folders.Removed) > 0) {
		fmt.Fprintf(w, "  folders: +%d -%d\n", len(res.Folders.Added), len(res.Folders.Removed))
	}
	paths := make([]string, 0, len(res.Messages))
	for path := range res.Messages {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		printDelta(w, path, res.Messages[path])
	}
	for path, msg := range res.Errors {
		fmt.Fprintf(w, "  %s: error: %s\n", path, msg)
	}
}

func printDelta(w io.Writer, path string, delta *types.MessageDelta) {
	line := fmt.Sprintf("  %s: +%d -%d", path, len(delta.Added), len(delta.Removed))
	if len(delta.Failed) > 0 {
		line += fmt.Sprintf(" (%d failed)", len(delta.Failed))
	}
	fmt.Fprintln(w, line)
}

var foldersAccount string

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Print the cached folder tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := resolveAccount(app.cfg, foldersAccount)
		if err != nil {
			return err
		}
		tree, err := app.manager.Folders(cmd.Context(), account)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, tree)
		}
		printTree(cmd.OutOrStdout(), tree, 0)
		return nil
	},
}

func printTree(w io.Writer, folders []*types.Folder, depth int) {
	for _, f := range folders {
		mark := " "
		if f.SyncEnabled {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s%s (%d)\n", mark, strings.Repeat("  ", depth), f.Name, f.MessageCount)
		printTree(w, f.Children, depth+1)
	}
}

var (
	enableAccount string
	enableFolder  string
	enableOff     bool
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable or disable message sync for a folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := resolveAccount(app.cfg, enableAccount)
		if err != nil {
			return err
		}
		if err := app.manager.SetFolderSyncEnabled(cmd.Context(), account, enableFolder, !enableOff); err != nil {
			return err
		}
		if !quietFlag {
			state := "enabled"
			if enableOff {
				state = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sync %s for %s/%s\n", state, account, enableFolder)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncAccount, "account", "a", "", "Account to sync (all accounts when omitted)")
	syncCmd.Flags().StringVarP(&syncFolder, "folder", "f", "", "Only sync this folder")

	foldersCmd.Flags().StringVarP(&foldersAccount, "account", "a", "", "Account name (default account when omitted)")

	enableCmd.Flags().StringVarP(&enableAccount, "account", "a", "", "Account name (default account when omitted)")
	enableCmd.Flags().StringVarP(&enableFolder, "folder", "f", "", "Folder path")
	enableCmd.Flags().BoolVar(&enableOff, "off", false, "Disable instead of enable")
	_ = enableCmd.MarkFlagRequired("folder")

	rootCmd.AddCommand(syncCmd, foldersCmd, enableCmd)
}
