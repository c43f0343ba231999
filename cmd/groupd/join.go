package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quietwire/groupd/internal/config"
	"github.com/quietwire/groupd/internal/observability"
)

func newJoinCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <invite-link>",
		Short: "Join a group through its invite link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, v, args[0])
		},
	}
	cmd.Flags().String("config", "", "config file path")
	return cmd
}

func runJoin(cmd *cobra.Command, v *viper.Viper, link string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
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

	res, err := d.JoinViaLink(ctx, link)
	if err != nil {
		return err
	}

	if res.Requested {
		fmt.Printf("join request sent for %q; an administrator must approve it\n", res.JoinInfo.Title)
		return nil
	}
	fmt.Printf("joined %q at revision %d (%d members)\n",
		res.Snapshot.Title, res.Snapshot.Revision, len(res.Snapshot.Members))
	return nil
}
