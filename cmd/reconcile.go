package cmd

import (
	"context"
	"encoding/json"

	"github.com/ChristopherHX/gh-runner-broker/config"

	"github.com/spf13/cobra"
)

// runReconcile executes a single reconciliation cycle and prints its
// summary.
func runReconcile(ctx context.Context, envFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		b, err := newBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		sum, cycleErr := b.reconciler.Cycle(ctx)
		if sum != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
		}
		return cycleErr
	}
}

// runPolicyImport loads a policy seed file into the store.
func runPolicyImport(ctx context.Context, envFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		cfg.Policy.File = args[0]
		st, _, err := openPolicies(ctx, cfg)
		if err != nil {
			return err
		}
		return st.Close()
	}
}

// runPolicyList prints the stored policies as JSON.
func runPolicyList(ctx context.Context, envFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		cfg.Policy.File = ""
		st, engine, err := openPolicies(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		policies, err := engine.List(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(policies)
	}
}
