// Package loader applies entity, domain and scored-link records to the
// relational store in stage order, one atomic chunk at a time.
//
// Every stage is a sequence of keyed upserts, so re-running a load over the
// same input leaves the store unchanged apart from update timestamps. A
// chunk that still fails after bounded retries is reported in the stage
// summary and skipped; only an unreachable store aborts the run.
package loader

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/entitylink/internal/metrics"
	"github.com/entitylink/internal/model"
)

// Stage names used in summaries, logs and metrics.
const (
	StageEntities   = "entities"
	StageDomains    = "domains"
	StageDependents = "dependents"
	StageLinks      = "links"
)

// ErrFatal wraps store failures that abort the whole run.
var ErrFatal = errors.New("store unavailable")

// Tx is the set of chunk writes the loader needs, scoped to one
// transaction. Batches passed in are free of duplicate keys.
type Tx interface {
	// UpsertEntities inserts entities, overwriting every attribute of
	// existing rows.
	UpsertEntities(ctx context.Context, entities []model.Entity) error
	// InsertTradingNames inserts trading names, ignoring existing pairs.
	InsertTradingNames(ctx context.Context, names []model.TradingName) error
	// KnownEntities returns the subset of abns present in the store.
	KnownEntities(ctx context.Context, abns []int64) (map[int64]struct{}, error)
	// UpsertDomains inserts domains and sets the owner of existing ones.
	// A nil owner never clears an existing one.
	UpsertDomains(ctx context.Context, owners []model.DomainOwner) error
	// EnsureDomains inserts domains that do not exist yet and returns how
	// many it created. Existing rows are left untouched.
	EnsureDomains(ctx context.Context, owners []model.DomainOwner) (int, error)
	// DomainIDs maps each existing domain in domains to its id.
	DomainIDs(ctx context.Context, domains []string) (map[string]int64, error)
	// UpsertMetadata inserts page metadata. Existing rows only get their
	// timestamp bumped unless refresh is set.
	UpsertMetadata(ctx context.Context, rows []model.PageMetadata, refresh bool) error
	// UpsertSocialLinks inserts social links, overwriting the url of
	// existing (domain, platform) pairs.
	UpsertSocialLinks(ctx context.Context, links []model.SocialLink) error
	// TouchMetadata bumps the timestamp of existing metadata rows and
	// returns how many it updated.
	TouchMetadata(ctx context.Context, keys []model.MetadataKey) (int, error)
}

// Store runs chunk transactions.
type Store interface {
	Ping(ctx context.Context) error
	// InTx runs fn in a transaction, committing if it returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ChunkSource yields input records in chunks, returning io.EOF when done.
type ChunkSource[T any] interface {
	Next() ([]T, error)
	Skipped() int
}

// Config controls chunk retries.
type Config struct {
	// ChunkTimeout bounds each attempt at a chunk.
	ChunkTimeout time.Duration
	// MaxAttempts bounds the attempts per chunk, the first included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RefreshMetadata makes metadata upserts overwrite existing content.
	RefreshMetadata bool
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		ChunkTimeout:   2 * time.Minute,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// StageSummary reports the outcome of one stage.
type StageSummary struct {
	Stage string
	// Processed, Skipped and Failed count input records: committed,
	// rejected as malformed, and lost with a failed chunk.
	Processed    int
	Skipped      int
	Failed       int
	Chunks       int
	FailedChunks []int
	// UnresolvedOwners counts domains whose owner ABN is not a known
	// entity; they are stored without an owner.
	UnresolvedOwners int
	// SelfHealed counts domain rows created for records whose domain did
	// not exist yet.
	SelfHealed int
	Duration   time.Duration
}

// Option configures a Loader.
type Option func(*Loader)

// WithTransient sets the classifier deciding which store errors are
// worth retrying.
func WithTransient(fn func(error) bool) Option {
	return func(l *Loader) {
		l.isTransient = fn
	}
}

// Loader reconciles input records into a Store.
type Loader struct {
	store       Store
	cfg         Config
	logger      *zap.Logger
	isTransient func(error) bool
}

// New returns a Loader writing to store.
func New(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultConfig().ChunkTimeout
	}
	l := &Loader{
		store:       store,
		cfg:         cfg,
		logger:      logger,
		isTransient: IsTransient,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsTransient reports errors that a retry may cure: timeouts, dropped
// connections and network failures.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// Ping checks the store, wrapping a failure in ErrFatal.
func (l *Loader) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return nil
}

// chunkFunc writes one chunk. It may run more than once and must not leak
// state between attempts.
type chunkFunc func(ctx context.Context, tx Tx) error

// commit runs fn in a transaction, retrying transient failures with
// exponential backoff.
func (l *Loader) commit(ctx context.Context, stage string, chunk int, fn chunkFunc) error {
	start := time.Now()
	defer func() {
		metrics.LoaderChunkDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, l.cfg.ChunkTimeout)
		defer cancel()

		err := l.store.InTx(actx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !l.isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.LoaderChunkRetries.WithLabelValues(stage).Inc()
		l.logger.Warn("Retrying chunk after transient error",
			zap.String("stage", stage),
			zap.Int("chunk", chunk),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.cfg.InitialBackoff
	eb.MaxInterval = l.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.cfg.MaxAttempts-1)), ctx)

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("chunk %d failed after %d attempt(s): %w", chunk, attempt, err)
	}
	return nil
}

// runStage feeds every chunk of src through write, accumulating the
// summary. write returns the per-chunk summary deltas of a committed
// chunk.
func runStage[T any](ctx context.Context, l *Loader, stage string, src ChunkSource[T], write func(ctx context.Context, idx int, chunk []T) (StageSummary, error)) (StageSummary, error) {
	sum := StageSummary{Stage: stage}
	start := time.Now()
	logger := l.logger.With(zap.String("stage", stage))
	logger.Info("Stage started")

	if err := l.Ping(ctx); err != nil {
		return sum, err
	}

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("%s: failed to read chunk %d: %w", stage, idx, err)
		}
		if len(chunk) == 0 {
			continue
		}
		delta, err := write(ctx, idx, chunk)
		if errors.Is(err, ErrFatal) {
			return sum, err
		}
		if err != nil && ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.add(idx, len(chunk), delta, err)
		if err != nil {
			logger.Error("Chunk failed, skipping",
				zap.Int("chunk", idx),
				zap.Int("records", len(chunk)),
				zap.Error(err))

			// A failed chunk on a dead store means every later one fails too.
			if perr := l.Ping(ctx); perr != nil {
				return sum, perr
			}
			continue
		}
		logger.Debug("Chunk committed",
			zap.Int("chunk", idx),
			zap.Int("records", len(chunk)))
	}

	sum.Skipped = src.Skipped()
	sum.Duration = time.Since(start)
	metrics.LoaderRowsTotal.WithLabelValues(stage, "skipped").Add(float64(sum.Skipped))

	logger.Info("Stage finished",
		zap.Int("processed", sum.Processed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Ints("failed_chunks", sum.FailedChunks),
		zap.Int("unresolved_owners", sum.UnresolvedOwners),
		zap.Int("self_healed", sum.SelfHealed),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// add folds the outcome of one chunk of n records into s.
func (s *StageSummary) add(idx, n int, delta StageSummary, err error) {
	s.Chunks++
	if err != nil {
		s.Failed += n
		s.FailedChunks = append(s.FailedChunks, idx)
		metrics.LoaderRowsTotal.WithLabelValues(s.Stage, "failed").Add(float64(n))
		return
	}
	s.Processed += n
	s.UnresolvedOwners += delta.UnresolvedOwners
	s.SelfHealed += delta.SelfHealed
	metrics.LoaderRowsTotal.WithLabelValues(s.Stage, "processed").Add(float64(n))
	if delta.SelfHealed > 0 {
		metrics.LoaderSelfHealedDomains.WithLabelValues(s.Stage).Add(float64(delta.SelfHealed))
	}
}

// resolveOwners drops owners whose ABN is not a known entity, returning
// how many were dropped.
func resolveOwners(ctx context.Context, tx Tx, owners []model.DomainOwner) (int, error) {
	var abns []int64
	seen := make(map[int64]struct{})
	for _, o := range owners {
		if o.ABN == nil {
			continue
		}
		if _, dup := seen[*o.ABN]; !dup {
			seen[*o.ABN] = struct{}{}
			abns = append(abns, *o.ABN)
		}
	}
	if len(abns) == 0 {
		return 0, nil
	}

	known, err := tx.KnownEntities(ctx, abns)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve owners: %w", err)
	}

	unresolved := 0
	for i := range owners {
		if owners[i].ABN == nil {
			continue
		}
		if _, ok := known[*owners[i].ABN]; !ok {
			owners[i].ABN = nil
			unresolved++
		}
	}
	return unresolved, nil
}

// resolveDomainIDs maps every domain of owners to its id, first creating
// the minimal rows that are missing with their owner when it is a known
// entity. It returns the mapping and the number of rows created.
func resolveDomainIDs(ctx context.Context, tx Tx, owners []model.DomainOwner) (map[string]int64, int, error) {
	domains := make([]string, len(owners))
	for i, o := range owners {
		domains[i] = o.Domain
	}

	ids, err := tx.DomainIDs(ctx, domains)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read domain ids: %w", err)
	}

	var missing []model.DomainOwner
	for _, o := range owners {
		if _, ok := ids[o.Domain]; !ok {
			missing = append(missing, o)
		}
	}
	if len(missing) == 0 {
		return ids, 0, nil
	}
	if _, err := resolveOwners(ctx, tx, missing); err != nil {
		return nil, 0, err
	}

	created, err := tx.EnsureDomains(ctx, missing)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create missing domains: %w", err)
	}

	missingDomains := make([]string, len(missing))
	for i, o := range missing {
		missingDomains[i] = o.Domain
	}
	healed, err := tx.DomainIDs(ctx, missingDomains)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read domain ids: %w", err)
	}
	for d, id := range healed {
		ids[d] = id
	}
	for _, d := range missingDomains {
		if _, ok := ids[d]; !ok {
			return nil, 0, fmt.Errorf("domain %q still missing after insert", d)
		}
	}
	return ids, created, nil
}
