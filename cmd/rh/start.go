package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/orchestrator"
	"github.com/zulandar/roundhouse/internal/telegraph"
	discordadapter "github.com/zulandar/roundhouse/internal/telegraph/discord"
	slackadapter "github.com/zulandar/roundhouse/internal/telegraph/slack"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Roundhouse daemon",
		Long:  "Connects the configured chat channels, then routes messages, runs scheduled tasks and serves the status API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.HasChannel() {
		return fmt.Errorf("no chat channel configured in %s (add channels.slack or channels.discord)", configPath)
	}

	groupsDir, err := filepath.Abs(cfg.GroupsDir)
	if err != nil {
		return fmt.Errorf("resolve groups dir: %w", err)
	}
	ipcDir, err := filepath.Abs(filepath.Join(cfg.DataDir, "ipc"))
	if err != nil {
		return fmt.Errorf("resolve ipc dir: %w", err)
	}

	_, st, err := openStore(configPath)
	if err != nil {
		return err
	}

	adapters, err := createAdapters(cfg)
	if err != nil {
		return err
	}

	launcher := &agent.Launcher{
		Runtime:    cfg.Container.Runtime,
		Image:      cfg.Container.Image,
		Timeout:    cfg.ContainerTimeout(),
		NamePrefix: cfg.Container.NamePrefix,
		Mounts:     agent.Mounts{GroupsDir: groupsDir, IPCDir: ipcDir},
	}

	orch, err := orchestrator.New(orchestrator.Opts{
		Store:                 st,
		Launcher:              launcher,
		Adapters:              adapters,
		IPCRoot:               ipcDir,
		GroupsDir:             groupsDir,
		MainFolder:            cfg.MainFolder,
		AssistantName:         cfg.AssistantName,
		MaxConcurrent:         cfg.MaxConcurrentContainers,
		IdleTimeout:           cfg.IdleTimeout(),
		PollInterval:          cfg.PollInterval(),
		IPCPollInterval:       cfg.IPCPollInterval(),
		SchedulerPollInterval: cfg.SchedulerPollInterval(),
		Location:              cfg.Location(),
		DashboardPort:         cfg.Dashboard.Port,
		Metrics:               metrics.Default(),
		Out:                   cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return orch.Run(ctx)
}

// createAdapters builds one adapter per channel that has credentials.
func createAdapters(cfg *config.Config) ([]telegraph.Adapter, error) {
	var adapters []telegraph.Adapter

	sc := cfg.Channels.Slack
	if sc.AppToken != "" && sc.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken:      sc.AppToken,
			BotToken:      sc.BotToken,
			ChannelID:     sc.Channel,
			AssistantName: cfg.AssistantName,
		})
		if err != nil {
			return nil, fmt.Errorf("create slack adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	dc := cfg.Channels.Discord
	if dc.BotToken != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:      dc.BotToken,
			ChannelID:     dc.Channel,
			AssistantName: cfg.AssistantName,
		})
		if err != nil {
			return nil, fmt.Errorf("create discord adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no chat channel configured")
	}
	return adapters, nil
}
