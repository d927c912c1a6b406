package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hikugen/internal/failure"
	"hikugen/internal/sandbox"
	"hikugen/internal/schema"
)

// fingerprintCmd prints a schema's fingerprint
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the schema fingerprint used in cache keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.LoadFile(schemaPath)
		if err != nil {
			return err
		}
		fp, err := schema.Fingerprint(s)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), fp)
		return nil
	},
}

func init() {
	fingerprintCmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "Schema file (YAML or JSON, required)")
	_ = fingerprintCmd.MarkFlagRequired("schema")
}

// validateCmd statically checks an extractor file
var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check an extractor against the sandbox rules without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read snippet: %w", err)
		}
		policy, err := policyFor(cfg)
		if err != nil {
			return err
		}

		report, err := sandbox.NewValidator(policy).Inspect(string(src))
		if err != nil {
			if f, ok := failure.As(err); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "invalid: %s\n%s", f.Kind, f.Feedback())
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", report)
		return nil
	},
}
