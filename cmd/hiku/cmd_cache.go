package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hikugen/internal/cache"
)

var showSnippets bool

// cacheCmd groups cache maintenance
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear cached extractors",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List cached extractors",
	Args:  cobra.NoArgs,
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [KEY]",
	Short: "Delete cached extractors for KEY, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClear,
}

func init() {
	cacheShowCmd.Flags().BoolVar(&showSnippets, "code", false, "Print each extractor's source")
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "cache is empty")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSCHEMA\tCREATED\tLAST SUCCESS")
	for _, e := range entries {
		last := "-"
		if e.LastSuccessfulRun != nil {
			last = e.LastSuccessfulRun.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%.12s\t%s\t%s\n", e.Key, e.Fingerprint, e.CreatedAt.Format(time.RFC3339), last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if showSnippets {
		for _, e := range entries {
			fmt.Fprintf(out, "\n// %s (%.12s)\n%s\n", e.Key, e.Fingerprint, e.Snippet)
		}
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var n int
	if len(args) == 1 {
		n, err = store.DeleteByKey(ctx, cache.GenerateKey(args[0]))
	} else {
		n, err = store.DeleteAll(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
	return nil
}
