package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	textracttypes "github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/docvault/internal/clockx"
	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/logging"
)

// TextractAPI is the subset of the analysis engine client the orchestrator
// uses: submit a job, read a job.
type TextractAPI interface {
	StartDocumentAnalysis(ctx context.Context, params *textract.StartDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.StartDocumentAnalysisOutput, error)
	GetDocumentAnalysis(ctx context.Context, params *textract.GetDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.GetDocumentAnalysisOutput, error)
}

// ResultCache fronts Analyze with a byte cache. *resultcache.Cache satisfies
// it. The cache is never a source of truth: all its failures are absorbed.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Config tunes the orchestrator at construction time.
type Config struct {
	// Bucket holding the stored (encrypted) documents the engine reads.
	Bucket string

	// PollInitial is the first poll interval; it doubles up to PollCap
	// with ±10% jitter.
	PollInitial time.Duration
	PollCap     time.Duration

	// CacheTTL applies to cached Succeeded results.
	CacheTTL time.Duration

	// Transport retry policy for submit and poll calls.
	RetryBase  time.Duration
	MaxRetries uint64

	// Defaults fills Options fields the caller leaves unset, so operators
	// can tune quality thresholds and the deadline without touching call
	// sites.
	Defaults Options
}

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 30 * time.Second
	defaultCacheTTL    = 24 * time.Hour
	defaultRetryBase   = 200 * time.Millisecond
	defaultMaxRetries  = 3
)

// Options are per-call quality and deadline settings.
type Options struct {
	// MinConfidence is the aggregate confidence below which a Succeeded
	// result is flagged LowConfidence. Default 0.98.
	MinConfidence float64

	// ProcessingBudget is the elapsed time above which a Succeeded result
	// is flagged OverBudget. Default 3s.
	ProcessingBudget time.Duration

	// Deadline is the hard wall-clock limit for reaching a terminal
	// state; past it Analyze returns a TimedOut result. Default 10m.
	Deadline time.Duration
}

const (
	DefaultMinConfidence    = 0.98
	DefaultProcessingBudget = 3000 * time.Millisecond
	DefaultDeadline         = 10 * time.Minute
)

// withDefaults fills unset fields from base. Per-call values always win.
func (o Options) withDefaults(base Options) Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = base.MinConfidence
	}
	if o.ProcessingBudget <= 0 {
		o.ProcessingBudget = base.ProcessingBudget
	}
	if o.Deadline <= 0 {
		o.Deadline = base.Deadline
	}
	return o
}

type Orchestrator struct {
	api    TextractAPI
	cache  ResultCache
	clock  clockx.Clock
	logger logging.Logger
	cfg    Config
}

func NewOrchestrator(api TextractAPI, cache ResultCache, clock clockx.Clock, cfg Config, logger logging.Logger) *Orchestrator {
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaultPollInitial
	}
	if cfg.PollCap <= 0 {
		cfg.PollCap = defaultPollCap
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	cfg.Defaults = cfg.Defaults.withDefaults(Options{
		MinConfidence:    DefaultMinConfidence,
		ProcessingBudget: DefaultProcessingBudget,
		Deadline:         DefaultDeadline,
	})

	return &Orchestrator{
		api:    api,
		cache:  cache,
		clock:  clock,
		logger: logger.With("component", "analysis"),
		cfg:    cfg,
	}
}

// Analyze runs the full orchestration for one stored document: cache probe,
// job submission, polling to a terminal state, normalization, quality
// checks, and cache write-back.
//
// Terminal analysis outcomes — including Failed and TimedOut — come back as
// a Result, not an error. Errors are reserved for invalid input, caller
// cancellation, and transport faults that outlived local retries.
func (o *Orchestrator) Analyze(ctx context.Context, documentRef string, opts Options) (*Result, error) {
	if documentRef == "" {
		return nil, fmt.Errorf("%w: empty document ref", common.ErrInvalidInput)
	}
	opts = opts.withDefaults(o.cfg.Defaults)

	cacheKey := resultCacheKey(documentRef)
	if cached := o.cacheProbe(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	jobID, err := o.submit(ctx, documentRef)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("document_ref", documentRef, "job_id", jobID)
	log.Info(ctx, "analysis job submitted")

	start := o.clock.Now()
	deadline := start.Add(opts.Deadline)
	interval := o.cfg.PollInitial

	// Poll state machine: Submitted/InProgress keep polling with growing
	// intervals; a terminal state or the deadline ends the loop. Caller
	// cancellation stops polling immediately and leaves the remote job
	// running.
	for {
		wait := interval
		if remaining := deadline.Sub(o.clock.Now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-o.clock.After(wait):
			}
		}

		if !o.clock.Now().Before(deadline) {
			elapsed := o.clock.Now().Sub(start)
			log.Warn(ctx, "analysis deadline elapsed", "elapsed", elapsed)
			return &Result{
				JobID:       jobID,
				DocumentRef: documentRef,
				Status:      StatusTimedOut,
				Elapsed:     elapsed,
				ErrorDetail: fmt.Sprintf("no terminal state within %v", opts.Deadline),
			}, nil
		}

		out, err := o.poll(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch out.JobStatus {
		case textracttypes.JobStatusInProgress:
			interval = nextInterval(interval, o.cfg.PollCap)
			continue

		case textracttypes.JobStatusSucceeded, textracttypes.JobStatusPartialSuccess:
			blocks, err := o.collectBlocks(ctx, jobID, out)
			if err != nil {
				return nil, err
			}
			result := o.buildSucceeded(ctx, documentRef, jobID, blocks, o.clock.Now().Sub(start), opts)
			o.cacheStore(ctx, cacheKey, result)
			return result, nil

		default: // FAILED and anything unrecognized
			elapsed := o.clock.Now().Sub(start)
			detail := aws.ToString(out.StatusMessage)
			if detail == "" {
				detail = fmt.Sprintf("engine reported %s", out.JobStatus)
			}
			log.Warn(ctx, "analysis job failed", "detail", detail, "elapsed", elapsed)
			return &Result{
				JobID:       jobID,
				DocumentRef: documentRef,
				Status:      StatusFailed,
				Elapsed:     elapsed,
				ErrorDetail: detail,
			}, nil
		}
	}
}

// GetStatus returns a read-only snapshot of the remote job. It never mutates
// job state beyond what the engine itself reports.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: empty job id", common.ErrInvalidInput)
	}

	out, err := o.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &Job{ID: jobID, Status: mapJobStatus(out.JobStatus)}, nil
}

func (o *Orchestrator) buildSucceeded(ctx context.Context, documentRef, jobID string, raw []textracttypes.Block, elapsed time.Duration, opts Options) *Result {
	blocks, tables, fields, aggregate := normalize(raw, opts.MinConfidence)

	result := &Result{
		JobID:         jobID,
		DocumentRef:   documentRef,
		Status:        StatusSucceeded,
		Blocks:        blocks,
		Tables:        tables,
		Fields:        fields,
		Confidence:    aggregate,
		LowConfidence: aggregate < opts.MinConfidence,
		OverBudget:    elapsed > opts.ProcessingBudget,
		Elapsed:       elapsed,
	}

	if result.LowConfidence || result.OverBudget {
		o.logger.Warn(ctx, "analysis result degraded",
			"document_ref", documentRef,
			"job_id", jobID,
			"confidence", aggregate,
			"elapsed", elapsed,
			"low_confidence", result.LowConfidence,
			"over_budget", result.OverBudget,
		)
	}
	return result
}

// submit starts the remote job with bounded retry on transport errors.
func (o *Orchestrator) submit(ctx context.Context, documentRef string) (string, error) {
	var jobID string

	err := retry.Do(ctx, o.transportBackoff(), func(ctx context.Context) error {
		out, err := o.api.StartDocumentAnalysis(ctx, &textract.StartDocumentAnalysisInput{
			DocumentLocation: &textracttypes.DocumentLocation{
				S3Object: &textracttypes.S3Object{
					Bucket: aws.String(o.cfg.Bucket),
					Name:   aws.String(documentRef),
				},
			},
			FeatureTypes: []textracttypes.FeatureType{
				textracttypes.FeatureTypeTables,
				textracttypes.FeatureTypeForms,
			},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		jobID = aws.ToString(out.JobId)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: submit %q: %v", common.ErrAnalysisUnavailable, documentRef, err)
	}
	return jobID, nil
}

// poll reads the job's first result page with bounded retry on transport
// errors. The first page carries the authoritative job status.
func (o *Orchestrator) poll(ctx context.Context, jobID string) (*textract.GetDocumentAnalysisOutput, error) {
	return o.getPage(ctx, jobID, nil)
}

// collectBlocks walks all result pages of a finished job.
func (o *Orchestrator) collectBlocks(ctx context.Context, jobID string, first *textract.GetDocumentAnalysisOutput) ([]textracttypes.Block, error) {
	blocks := first.Blocks
	token := first.NextToken

	for token != nil {
		page, err := o.getPage(ctx, jobID, token)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, page.Blocks...)
		token = page.NextToken
	}
	return blocks, nil
}

func (o *Orchestrator) getPage(ctx context.Context, jobID string, token *string) (*textract.GetDocumentAnalysisOutput, error) {
	var out *textract.GetDocumentAnalysisOutput

	err := retry.Do(ctx, o.transportBackoff(), func(ctx context.Context) error {
		var err error
		out, err = o.api.GetDocumentAnalysis(ctx, &textract.GetDocumentAnalysisInput{
			JobId:     aws.String(jobID),
			NextToken: token,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: poll job %q: %v", common.ErrAnalysisUnavailable, jobID, err)
	}
	return out, nil
}

func (o *Orchestrator) transportBackoff() retry.Backoff {
	return retry.WithMaxRetries(o.cfg.MaxRetries,
		retry.WithJitterPercent(10,
			retry.NewExponential(o.cfg.RetryBase)))
}

// cacheProbe returns a previously cached result, or nil on miss. Cache
// trouble is logged and treated as a miss: the cache must never fail an
// Analyze call.
func (o *Orchestrator) cacheProbe(ctx context.Context, key string) *Result {
	payload, hit, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn(ctx, "cache probe failed, falling through", "key", key, "error", err)
		return nil
	}
	if !hit {
		return nil
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		o.logger.Warn(ctx, "discarding undecodable cache entry", "key", key, "error", err)
		return nil
	}
	return &result
}

// cacheStore caches Succeeded results only. Failures are logged, never
// surfaced.
func (o *Orchestrator) cacheStore(ctx context.Context, key string, result *Result) {
	if result.Status != StatusSucceeded {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Warn(ctx, "cache encode failed", "key", key, "error", err)
		return
	}
	if err := o.cache.Set(ctx, key, payload, o.cfg.CacheTTL); err != nil {
		o.logger.Warn(ctx, "cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the cached result for a document, if any. Called when the
// underlying document is deleted or replaced.
func (o *Orchestrator) Invalidate(ctx context.Context, documentRef string) error {
	if documentRef == "" {
		return fmt.Errorf("%w: empty document ref", common.ErrInvalidInput)
	}
	return o.cache.Remove(ctx, resultCacheKey(documentRef))
}

func resultCacheKey(documentRef string) string {
	return "analysis:" + documentRef
}

// nextInterval doubles the poll interval up to ceiling, with ±10% jitter so
// concurrent jobs spread their polls.
func nextInterval(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		next = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(next)/5+1)) - next/10
	return next + jitter
}

func mapJobStatus(s textracttypes.JobStatus) JobStatus {
	switch s {
	case textracttypes.JobStatusInProgress:
		return StatusInProgress
	case textracttypes.JobStatusSucceeded, textracttypes.JobStatusPartialSuccess:
		return StatusSucceeded
	case textracttypes.JobStatusFailed:
		return StatusFailed
	}
	return StatusSubmitted
}
