package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quietwire/groupd/internal/config"
	"github.com/quietwire/groupd/internal/daemon"
	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/logging"
)

func newGroupsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List locally known groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroups(cmd, v)
		},
	}
	cmd.Flags().String("config", "", "config file path")
	cmd.Flags().String("filter", "", `CEL filter, e.g. 'member_count > 10 && !announcement_only'`)
	cmd.Flags().StringP("output", "o", "text", "output format (text, json)")
	return cmd
}

func runGroups(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	filter, _ := cmd.Flags().GetString("filter")
	output, _ := cmd.Flags().GetString("output")

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// One-shot command; keep startup quiet.
	cfg.Observability.LogLevel = "warn"
	cfg.Observability.OTLPEndpoint = ""

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = obs.Close(context.Background()) }()

	d, err := buildDaemon(ctx, cfg, obs)
	if err != nil {
		return err
	}

	groups, err := d.ListGroups(ctx, filter)
	if err != nil {
		return err
	}

	if output == "json" {
		return printGroupsJSON(os.Stdout, groups)
	}
	printGroupsText(groups)
	return nil
}

func printGroupsJSON(w *os.File, groups []daemon.GroupSummary) error {
	type row struct {
		ID               string `json:"id"`
		Title            string `json:"title"`
		Description      string `json:"description,omitempty"`
		Revision         uint64 `json:"revision"`
		Members          int    `json:"members"`
		Pending          int    `json:"pending"`
		Requesting       int    `json:"requesting"`
		Timer            uint32 `json:"timer,omitempty"`
		AnnouncementOnly bool   `json:"announcement_only,omitempty"`
	}
	rows := make([]row, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, row{
			ID:               logging.FormatGroupID(g.ID[:]),
			Title:            g.Snapshot.Title,
			Description:      g.Snapshot.Description,
			Revision:         g.Snapshot.Revision,
			Members:          len(g.Snapshot.Members),
			Pending:          len(g.Snapshot.PendingMembers),
			Requesting:       len(g.Snapshot.RequestingMembers),
			Timer:            g.Snapshot.Timer,
			AnnouncementOnly: g.Snapshot.AnnouncementOnly,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func printGroupsText(groups []daemon.GroupSummary) {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if tty {
		fmt.Printf("%-16s %-30s %8s %8s %8s\n", "ID", "TITLE", "REV", "MEMBERS", "PENDING")
	}
	for _, g := range groups {
		id := logging.FormatGroupID(g.ID[:])
		if tty {
			title := g.Snapshot.Title
			if len(title) > 30 {
				title = title[:27] + "..."
			}
			fmt.Printf("%-16s %-30s %8d %8d %8d\n",
				id, title, g.Snapshot.Revision, len(g.Snapshot.Members), len(g.Snapshot.PendingMembers))
		} else {
			fmt.Printf("%s\t%s\t%d\t%d\t%d\n",
				id, g.Snapshot.Title, g.Snapshot.Revision, len(g.Snapshot.Members), len(g.Snapshot.PendingMembers))
		}
	}
}
