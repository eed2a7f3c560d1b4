package main

import (
	"github.com/spf13/cobra"

	"github.com/entitylink/internal/loader"
)

func (a *app) createRunCmd() *cobra.Command {
	var (
		entitiesPath string
		crawlPath    string
		outPath      string
		refresh      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load entities, match domains, then load domains and links",
		Long: `Runs every stage in order: the entity registry is loaded, the index is
built from the entities now in the database, crawled domains are matched
and written to --out, the crawl file is loaded as domains with their
metadata, and finally the match records are loaded as links.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("refresh-metadata") {
				a.cfg.Load.RefreshMetadata = refresh
			}

			l, err := a.loader(ctx)
			if err != nil {
				return err
			}

			var sums []loader.StageSummary
			report := func() {
				printSummaries(cmd.OutOrStdout(), sums...)
			}

			entities, err := a.loadEntities(ctx, l, entitiesPath)
			if err != nil {
				return err
			}
			sums = append(sums, entities)

			corpus, err := a.corpusFromDB(ctx)
			if err != nil {
				report()
				return err
			}
			msum, err := a.matchFile(ctx, a.buildMatcher(corpus), crawlPath, outPath)
			if err != nil {
				report()
				return err
			}
			printMatchSummary(cmd.OutOrStdout(), msum)

			domains, err := a.loadDomains(ctx, l, crawlPath)
			if err != nil {
				report()
				return err
			}
			sums = append(sums, domains...)

			links, err := a.loadLinks(ctx, l, outPath)
			if err != nil {
				report()
				return err
			}
			sums = append(sums, links)

			report()
			return a.checkStrict(sums...)
		},
	}

	cmd.Flags().StringVar(&entitiesPath, "entities", "", "Entity registry CSV")
	cmd.Flags().StringVar(&crawlPath, "crawl", "", "Crawled domains CSV")
	cmd.Flags().StringVar(&outPath, "out", "", "Match records CSV to write")
	cmd.Flags().BoolVar(&refresh, "refresh-metadata", false, "Overwrite the content of existing metadata rows")
	cmd.MarkFlagRequired("entities")
	cmd.MarkFlagRequired("crawl")
	cmd.MarkFlagRequired("out")
	return cmd
}
