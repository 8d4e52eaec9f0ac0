package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pipe01/villus/internal/language"
	"github.com/pipe01/villus/internal/operation"
)

var errOperationFailed = errors.New("operation returned errors")

func newRootCommand() *cobra.Command {
	v := newConfig()

	root := &cobra.Command{
		Use:   "villus",
		Short: "Execute GraphQL operations through a cached, pluggable client",
		Long: `villus sends GraphQL queries, mutations and subscriptions to an endpoint.

Queries go through a result cache (in memory, or redis with --redis-addr)
governed by --cache-policy. Subscriptions use the graphql-transport-ws
protocol at --ws-url. Settings can also come from VILLUS_* environment
variables or a villus.yaml config file.

The document is read from the first argument, from a file when the argument
starts with '@', or from stdin when it is '-' or missing.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfig(v, cmd)
		},
	}
	bindGlobalFlags(v, root)

	root.AddCommand(
		newOperationCommand(v, "query", "Execute a query", operation.Query),
		newOperationCommand(v, "mutate", "Execute a mutation", operation.Mutation),
		newSubscribeCommand(v),
		newExecCommand(v),
	)
	return root
}

func readConfig(v *viper.Viper, cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString(configFlag)
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func newOperationCommand(v *viper.Viper, use, short string, typ operation.Type) *cobra.Command {
	command := &cobra.Command{
		Use:   use + " [DOCUMENT]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := readOperation(cmd, args)
			if err != nil {
				return err
			}
			return runOperation(cmd, v, op, typ)
		},
	}
	bindOperationFlags(command)
	return command
}

func newExecCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "exec [DOCUMENT]",
		Short: "Execute a single-operation document as a query, mutation or subscription",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := readOperation(cmd, args)
			if err != nil {
				return err
			}
			info, err := language.Inspect(op.Query, "")
			if err != nil {
				return err
			}
			if info.Type == operation.Subscription {
				return runSubscription(cmd, v, op)
			}
			return runOperation(cmd, v, op, info.Type)
		},
	}
	bindOperationFlags(command)
	command.Flags().Int(countFlag, 0, "for subscriptions, stop after this many items (0 means no limit)")
	return command
}

func newSubscribeCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "subscribe [DOCUMENT]",
		Short: "Run a subscription and print every item as a JSON line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := readOperation(cmd, args)
			if err != nil {
				return err
			}
			return runSubscription(cmd, v, op)
		},
	}
	bindOperationFlags(command)
	command.Flags().Int(countFlag, 0, "stop after this many items (0 means no limit)")
	return command
}
