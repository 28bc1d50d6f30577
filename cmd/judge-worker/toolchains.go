package main

import (
	"fmt"

	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/toolchain"

	"github.com/spf13/cobra"
)

type toolchainArgs struct {
	path       string
	queues     []string
	queuesType string
}

var tcArgs toolchainArgs

var toolchainsCmd = &cobra.Command{
	Use:   "toolchains",
	Short: "Inspect and prepare the toolchain images",
}

var toolchainsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull every image used by the selected queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := tcArgs.load()
		if err != nil {
			return err
		}
		docker, err := sandbox.NewDockerClient()
		if err != nil {
			return fmt.Errorf("connect docker failed: %w", err)
		}
		defer docker.Close()
		if err := cfg.PullImages(cmd.Context(), docker); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pulled %d images\n", len(cfg.UniqueImages()))
		return nil
	},
}

var toolchainsQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Print the topic of every selected queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := tcArgs.load()
		if err != nil {
			return err
		}
		for _, topic := range cfg.Topics() {
			fmt.Fprintln(cmd.OutOrStdout(), topic)
		}
		return nil
	},
}

func (a toolchainArgs) load() (*toolchain.Config, error) {
	return toolchain.Load(a.path, a.queues, a.queuesType)
}

func init() {
	flags := toolchainsCmd.PersistentFlags()
	flags.StringVar(&tcArgs.path, "toolchains", "configs/toolchains.yaml", "toolchain inventory (yaml or toml)")
	flags.StringSliceVar(&tcArgs.queues, "queues", nil, "queues to select, comma separated")
	flags.StringVar(&tcArgs.queuesType, "queues-type", defaultQueuesType, "topic segment between the prefix and the queue name")

	toolchainsCmd.AddCommand(toolchainsPullCmd, toolchainsQueuesCmd)
	rootCmd.AddCommand(toolchainsCmd)
}
