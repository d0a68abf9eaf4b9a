package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/ipc"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage registered chat groups",
	}

	cmd.AddCommand(newGroupsListCmd())
	cmd.AddCommand(newGroupsRegisterCmd())
	return cmd
}

func newGroupsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

func runGroupsList(cmd *cobra.Command, configPath string) error {
	cfg, st, err := openStore(configPath)
	if err != nil {
		return err
	}
	groups, err := st.GetRegisteredGroups()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(groups) == 0 {
		fmt.Fprintln(out, "No groups registered.")
		return nil
	}

	rows := make([]models.Group, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, g)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Folder < rows[j].Folder })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tJID\tNAME\tTRIGGER\tADDED")
	for _, g := range rows {
		trigger := g.Trigger
		switch {
		case g.Folder == cfg.MainFolder:
			trigger = "(main)"
		case !g.NeedsTrigger(cfg.MainFolder):
			trigger = "(always)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.Folder, g.JID, truncate(g.Name, 32), trigger, g.AddedAt)
	}
	w.Flush()
	return nil
}

func newGroupsRegisterCmd() *cobra.Command {
	var (
		configPath string
		jid        string
		name       string
		folder     string
		trigger    string
		noTrigger  bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a chat as a group",
		Long: `Registers a chat so its messages reach an agent container.

The JID is "<platform>:<chat id>", e.g. slack:C0123456789 or discord:112233445566.
The folder names the group's working tree and must be a single path segment.
A running daemon picks the group up on its next refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupsRegister(cmd, configPath, models.Group{
				JID: jid, Name: name, Folder: folder, Trigger: trigger,
			}, noTrigger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().StringVar(&jid, "jid", "", "chat JID (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&folder, "folder", "", "group folder (required)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger word (default: @<assistant name>)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "respond to every message, not only triggered ones")
	cmd.MarkFlagRequired("jid")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func runGroupsRegister(cmd *cobra.Command, configPath string, g models.Group, noTrigger bool) error {
	if _, _, ok := telegraph.SplitJID(g.JID); !ok {
		return fmt.Errorf("invalid jid %q: want <platform>:<chat id>", g.JID)
	}
	if !ipc.ValidFolder(g.Folder) {
		return fmt.Errorf("invalid folder %q", g.Folder)
	}

	cfg, st, err := openStore(configPath)
	if err != nil {
		return err
	}
	if g.Trigger == "" {
		g.Trigger = "@" + cfg.AssistantName
	}
	if noTrigger {
		requires := false
		g.RequiresTrigger = &requires
	}
	g.Name = strings.TrimSpace(g.Name)
	g.AddedAt = models.FormatTime(time.Now())

	existing, err := st.GetRegisteredGroups()
	if err != nil {
		return err
	}
	for jid, other := range existing {
		if other.Folder == g.Folder && jid != g.JID {
			return fmt.Errorf("folder %q is already used by %s", g.Folder, jid)
		}
	}
	if err := st.SetRegisteredGroup(g); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(cfg.GroupsDir, g.Folder, "logs"), 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	if err := (ipc.Layout{Root: filepath.Join(cfg.DataDir, "ipc")}).Ensure(g.Folder); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as group %q (folder %s)\n", g.JID, g.Name, g.Folder)
	return nil
}
