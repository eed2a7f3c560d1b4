package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/entitylink/internal/ingest"
	"github.com/entitylink/internal/logging"
	"github.com/entitylink/internal/match"
	"github.com/entitylink/internal/normalize"
)

type matchSummary struct {
	Read      int
	Skipped   int
	Filtered  int
	Matched   int
	Unmatched int
	Ambiguous int
	Duration  time.Duration
}

func (a *app) createMatchCmd() *cobra.Command {
	var (
		entitiesPath string
		fromDB       bool
		crawlPath    string
		outPath      string
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match crawled domains to entities and write match records",
		Long: `Builds a name index over the entity registry (a CSV file, or the entities
already in the database) and scores the root of every crawled domain
against it. Every domain gets a record; those below the accept threshold
carry their best score and no entity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (entitiesPath == "") == !fromDB {
				return errors.New("exactly one of --entities or --entities-from-db is required")
			}

			var (
				entries []match.Entry
				err     error
			)
			if fromDB {
				entries, err = a.corpusFromDB(cmd.Context())
			} else {
				entries, err = a.corpusFromFile(entitiesPath)
			}
			if err != nil {
				return err
			}

			sum, err := a.matchFile(cmd.Context(), a.buildMatcher(entries), crawlPath, outPath)
			if err != nil {
				return err
			}
			printMatchSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}

	cmd.Flags().StringVar(&entitiesPath, "entities", "", "Entity registry CSV")
	cmd.Flags().BoolVar(&fromDB, "entities-from-db", false, "Build the index from the entities in the database")
	cmd.Flags().StringVar(&crawlPath, "crawl", "", "Crawled domains CSV")
	cmd.Flags().StringVar(&outPath, "out", "", "Match records CSV to write")
	cmd.MarkFlagRequired("crawl")
	cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) corpusFromFile(path string) ([]match.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity file: %w", err)
	}
	defer f.Close()

	r, err := ingest.NewEntityReader(f, a.cfg.Load.ChunkSize, a.logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	entities, err := ingest.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return match.EntriesFromEntities(entities), nil
}

func (a *app) corpusFromDB(ctx context.Context) ([]match.Entry, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.LoadCorpus(ctx)
}

func (a *app) buildMatcher(entries []match.Entry) *match.Matcher {
	done := logging.Timing(a.logger, "build index")
	norm := normalize.New(a.cfg.Match.Rules())
	index := match.Build(entries, norm)
	done()

	a.logger.Info("Index built",
		zap.Int("entities", index.Entities()),
		zap.Int("candidates", index.Len()))
	return match.NewMatcher(index, norm, a.cfg.Match.Matcher(), a.logger)
}

// matchFile streams the crawl file through m chunk by chunk, writing one
// match record per kept domain in input order.
func (a *app) matchFile(ctx context.Context, m *match.Matcher, crawlPath, outPath string) (matchSummary, error) {
	var sum matchSummary
	start := time.Now()

	in, err := os.Open(crawlPath)
	if err != nil {
		return sum, fmt.Errorf("failed to open crawl file: %w", err)
	}
	defer in.Close()

	r, err := ingest.NewCrawlReader(in, a.cfg.Load.ChunkSize, a.logger)
	if err != nil {
		return sum, fmt.Errorf("%s: %w", crawlPath, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return sum, fmt.Errorf("failed to create match file: %w", err)
	}
	defer out.Close()

	w, err := match.NewWriter(out)
	if err != nil {
		return sum, err
	}

	filter := match.NewCrawlFilter(a.cfg.Match.DomainSuffix)
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("%s: %w", crawlPath, err)
		}

		sum.Read += len(chunk)
		kept := filter.Apply(chunk)
		sum.Filtered += len(chunk) - len(kept)

		recs, err := m.MatchAll(ctx, kept)
		if err != nil {
			return sum, err
		}
		for _, rec := range recs {
			switch {
			case !rec.Matched():
				sum.Unmatched++
			case rec.Tied > 0:
				sum.Matched++
				sum.Ambiguous++
			default:
				sum.Matched++
			}
		}
		if err := w.Write(recs); err != nil {
			return sum, err
		}
	}

	if err := w.Flush(); err != nil {
		return sum, err
	}
	if err := out.Close(); err != nil {
		return sum, fmt.Errorf("failed to close match file: %w", err)
	}

	sum.Skipped = r.Skipped()
	sum.Duration = time.Since(start)
	a.logger.Info("Match finished",
		zap.Int("read", sum.Read),
		zap.Int("skipped", sum.Skipped),
		zap.Int("filtered", sum.Filtered),
		zap.Int("matched", sum.Matched),
		zap.Int("unmatched", sum.Unmatched),
		zap.Int("ambiguous", sum.Ambiguous),
		zap.Int("written", w.Written()),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

func printMatchSummary(w io.Writer, s matchSummary) {
	fmt.Fprintf(w, "\nDomains read:      %d\n", s.Read)
	fmt.Fprintf(w, "Malformed skipped: %d\n", s.Skipped)
	fmt.Fprintf(w, "Filtered out:      %d\n", s.Filtered)
	fmt.Fprintf(w, "Matched:           %d (%d ambiguous)\n", s.Matched, s.Ambiguous)
	fmt.Fprintf(w, "Unmatched:         %d\n", s.Unmatched)
	fmt.Fprintf(w, "Took:              %s\n", s.Duration.Round(time.Millisecond))
}
