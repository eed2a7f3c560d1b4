package main

import (
	"github.com/spf13/cobra"

	"github.com/entitylink/internal/match"
	"github.com/entitylink/internal/web"
)

func (a *app) createServeCmd() *cobra.Command {
	var noMatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lookup API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.store(ctx)
			if err != nil {
				return err
			}

			var m *match.Matcher
			if !noMatch {
				corpus, err := st.LoadCorpus(ctx)
				if err != nil {
					return err
				}
				m = a.buildMatcher(corpus)
			}

			return web.NewServer(a.cfg.Server, st, m, a.logger).Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&noMatch, "no-match", false, "Skip building the index; disables /api/match")
	return cmd
}
