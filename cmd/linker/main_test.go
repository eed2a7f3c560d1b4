package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/entitylink/internal/config"
	"github.com/entitylink/internal/ingest"
	"github.com/entitylink/internal/loader"
	"github.com/entitylink/internal/normalize"
)

func testApp() *app {
	return &app{
		cfg: &config.Config{
			Match: config.MatchConfig{
				AcceptThreshold: 90,
				Workers:         2,
				DomainSuffix:    ".au",
				StopWords:       normalize.DefaultStopWords,
				FoldDiacritics:  true,
			},
			Load: config.LoadConfig{ChunkSize: 2},
		},
		logger: zap.NewNop(),
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMatchFile(t *testing.T) {
	dir := t.TempDir()
	entities := writeFile(t, dir, "entities.csv", `ABN,Entity_Name,Trading_Names
51824753556,ACME PTY LTD,Acme Widgets
33102417032,River Timber Co,
not-a-number,Broken Pty Ltd,
`)
	crawl := writeFile(t, dir, "crawl.csv", `domain,url,meta
acme.com.au,https://acme.com.au/,
www.rivertimber.com.au,https://www.rivertimber.com.au/about,
acme.com.au,https://acme.com.au/contact,
example.com,https://example.com/,
zzqq.com.au,https://zzqq.com.au/,
`)
	out := filepath.Join(dir, "matches.csv")

	a := testApp()
	corpus, err := a.corpusFromFile(entities)
	require.NoError(t, err)
	require.Len(t, corpus, 2)

	sum, err := a.matchFile(context.Background(), a.buildMatcher(corpus), crawl, out)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Read)
	assert.Equal(t, 2, sum.Filtered)
	assert.Equal(t, 2, sum.Matched)
	assert.Equal(t, 1, sum.Unmatched)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := ingest.NewMatchReader(f, 10, zap.NewNop())
	require.NoError(t, err)
	recs, err := ingest.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "acme.com.au", recs[0].Domain)
	require.NotNil(t, recs[0].ABN)
	assert.Equal(t, int64(51824753556), *recs[0].ABN)
	assert.Equal(t, "www.rivertimber.com.au", recs[1].Domain)
	require.NotNil(t, recs[1].ABN)
	assert.Equal(t, int64(33102417032), *recs[1].ABN)
	assert.Equal(t, "zzqq.com.au", recs[2].Domain)
	assert.Nil(t, recs[2].ABN)
	assert.Less(t, recs[2].Score, 90.0)
}

func TestCheckStrict(t *testing.T) {
	failed := loader.StageSummary{Stage: loader.StageDomains, FailedChunks: []int{3}}
	clean := loader.StageSummary{Stage: loader.StageEntities}

	a := testApp()
	assert.NoError(t, a.checkStrict(clean, failed))

	a.strict = true
	assert.NoError(t, a.checkStrict(clean))
	assert.EqualError(t, a.checkStrict(clean, failed), "1 chunks failed")
}

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	printSummaries(&buf,
		loader.StageSummary{Stage: loader.StageDomains, Processed: 10, Chunks: 2, FailedChunks: []int{1}, Failed: 5},
		loader.StageSummary{Stage: loader.StageDependents, Processed: 15, SelfHealed: 2})

	out := buf.String()
	assert.Contains(t, out, "PROCESSED")
	assert.Contains(t, out, "dependents")
	assert.Contains(t, out, "domains: failed chunks [1]")
}
