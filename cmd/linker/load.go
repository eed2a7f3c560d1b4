package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/entitylink/internal/ingest"
	"github.com/entitylink/internal/loader"
	"github.com/entitylink/internal/store"
)

// createLoadCmd creates the load subcommand
func (a *app) createLoadCmd() *cobra.Command {
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Reconcile input files into the database",
		Long: `Load the entity registry, crawled domains with their page metadata, or
scored match records. Stages are idempotent; run entities before domains
and domains before links.`,
	}

	loadCmd.AddCommand(a.createLoadEntitiesCmd())
	loadCmd.AddCommand(a.createLoadDomainsCmd())
	loadCmd.AddCommand(a.createLoadLinksCmd())

	return loadCmd
}

func (a *app) createLoadEntitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities [filename]",
		Short: "Load the entity registry CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.loadEntities(cmd.Context(), l, args[0])
			if err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), sum)
			return a.checkStrict(sum)
		},
	}
}

func (a *app) createLoadDomainsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "domains [filename]",
		Short: "Load crawled domains with their metadata and social links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("refresh-metadata") {
				a.cfg.Load.RefreshMetadata = refresh
			}
			l, err := a.loader(cmd.Context())
			if err != nil {
				return err
			}
			sums, err := a.loadDomains(cmd.Context(), l, args[0])
			if err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), sums...)
			return a.checkStrict(sums...)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh-metadata", false, "Overwrite the content of existing metadata rows")
	return cmd
}

func (a *app) createLoadLinksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "links [filename]",
		Short: "Load scored match records, linking domains to entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.loadLinks(cmd.Context(), l, args[0])
			if err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), sum)
			return a.checkStrict(sum)
		},
	}
}

func (a *app) loader(ctx context.Context) (*loader.Loader, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	return loader.New(st, a.cfg.Load.Loader(), a.logger, loader.WithTransient(store.IsTransient)), nil
}

func (a *app) loadEntities(ctx context.Context, l *loader.Loader, path string) (loader.StageSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return loader.StageSummary{}, fmt.Errorf("failed to open entity file: %w", err)
	}
	defer f.Close()

	r, err := ingest.NewEntityReader(f, a.cfg.Load.ChunkSize, a.logger)
	if err != nil {
		return loader.StageSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	return l.LoadEntities(ctx, r)
}

func (a *app) loadDomains(ctx context.Context, l *loader.Loader, path string) ([]loader.StageSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open crawl file: %w", err)
	}
	defer f.Close()

	r, err := ingest.NewCrawlReader(f, a.cfg.Load.ChunkSize, a.logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	domains, deps, err := l.LoadDomains(ctx, r)
	if err != nil {
		return nil, err
	}
	return []loader.StageSummary{domains, deps}, nil
}

func (a *app) loadLinks(ctx context.Context, l *loader.Loader, path string) (loader.StageSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return loader.StageSummary{}, fmt.Errorf("failed to open match file: %w", err)
	}
	defer f.Close()

	r, err := ingest.NewMatchReader(f, a.cfg.Load.ChunkSize, a.logger)
	if err != nil {
		return loader.StageSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	return l.LoadLinks(ctx, r)
}

// checkStrict fails the command for failed chunks when --strict is set.
func (a *app) checkStrict(sums ...loader.StageSummary) error {
	if !a.strict {
		return nil
	}
	failed := 0
	for _, s := range sums {
		failed += len(s.FailedChunks)
	}
	if failed > 0 {
		return fmt.Errorf("%d chunks failed", failed)
	}
	return nil
}

func printSummaries(w io.Writer, sums ...loader.StageSummary) {
	fmt.Fprintf(w, "\n%-11s %10s %8s %8s %7s %11s %12s %12s\n",
		"STAGE", "PROCESSED", "SKIPPED", "FAILED", "CHUNKS", "UNRESOLVED", "SELF-HEALED", "DURATION")
	for _, s := range sums {
		fmt.Fprintf(w, "%-11s %10d %8d %8d %7d %11d %12d %12s\n",
			s.Stage, s.Processed, s.Skipped, s.Failed, s.Chunks,
			s.UnresolvedOwners, s.SelfHealed, s.Duration.Round(time.Millisecond))
	}
	for _, s := range sums {
		if len(s.FailedChunks) > 0 {
			fmt.Fprintf(w, "%s: failed chunks %v\n", s.Stage, s.FailedChunks)
		}
	}
}
