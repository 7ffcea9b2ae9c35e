package matcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/observability"
)

// Store is the template persistence the engine depends on. Lookups return
// (nil, nil) when nothing matches. Insert must reject an id that already
// exists.
type Store interface {
	Insert(ctx context.Context, fp *models.Fingerprint) error
	Upsert(ctx context.Context, fp *models.Fingerprint) (replaced bool, err error)
	FindByID(ctx context.Context, id int64) (*models.Fingerprint, error)
	FindByTemplate(ctx context.Context, template []byte) (*models.Fingerprint, error)
	// FindAll returns every record ordered by id ascending.
	FindAll(ctx context.Context) ([]models.Fingerprint, error)
	MaxID(ctx context.Context) (id int64, ok bool, err error)
	InsertAttendance(ctx context.Context, fingerprintID int64, similarity float64) (*models.AttendanceEvent, error)
}

// RegistrationPolicy selects how Register assigns identifiers.
type RegistrationPolicy string

const (
	// PolicyUpsert creates or replaces the record under a caller-supplied id.
	PolicyUpsert RegistrationPolicy = "upsert"
	// PolicyAutoincrementDedupe assigns max(id)+1 and rejects exact duplicates.
	PolicyAutoincrementDedupe RegistrationPolicy = "autoincrement_dedupe"
	// PolicyAutoincrementOpen assigns max(id)+1 without a duplicate check.
	PolicyAutoincrementOpen RegistrationPolicy = "autoincrement_open"
)

// ParseRegistrationPolicy accepts the config spelling of a registration
// policy. An empty value selects PolicyAutoincrementDedupe.
func ParseRegistrationPolicy(value string) (RegistrationPolicy, error) {
	switch p := RegistrationPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PolicyAutoincrementDedupe, nil
	case PolicyUpsert, PolicyAutoincrementDedupe, PolicyAutoincrementOpen:
		return p, nil
	default:
		return "", fmt.Errorf("unknown registration policy %q", value)
	}
}

// Autoincrement reports whether the engine assigns ids itself.
func (p RegistrationPolicy) Autoincrement() bool {
	return p == PolicyAutoincrementDedupe || p == PolicyAutoincrementOpen
}

const (
	DefaultThreshold      = 85.0
	DefaultHighConfidence = 90.0
)

type Options struct {
	// Threshold is the minimum similarity, in percent, for a match.
	Threshold float64
	// HighConfidence is the similarity at or above which a match is "High".
	HighConfidence     float64
	LengthPolicy       LengthPolicy
	RegistrationPolicy RegistrationPolicy
	RecordAttendance   bool
	// TemplateSize rejects templates of any other byte length. 0 accepts all.
	TemplateSize int
}

func (o *Options) applyDefaults() {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.HighConfidence == 0 {
		o.HighConfidence = DefaultHighConfidence
	}
	if o.LengthPolicy == "" {
		o.LengthPolicy = LengthStrict
	}
	if o.RegistrationPolicy == "" {
		o.RegistrationPolicy = PolicyAutoincrementDedupe
	}
}

func (o Options) validate() error {
	if o.Threshold <= 0 || o.Threshold > 100 {
		return fmt.Errorf("threshold %.2f out of range (0, 100]", o.Threshold)
	}
	if o.HighConfidence <= 0 || o.HighConfidence > 100 {
		return fmt.Errorf("high confidence %.2f out of range (0, 100]", o.HighConfidence)
	}
	if _, err := ParseLengthPolicy(string(o.LengthPolicy)); err != nil {
		return err
	}
	if _, err := ParseRegistrationPolicy(string(o.RegistrationPolicy)); err != nil {
		return err
	}
	if o.TemplateSize < 0 {
		return fmt.Errorf("template size %d is negative", o.TemplateSize)
	}
	return nil
}

// Engine registers templates and matches probes against the store.
// It holds no state between calls.
type Engine struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns an engine over store. A nil logger falls
// back to slog.Default().
func New(store Store, opts Options, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("matcher: nil store")
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("matcher options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, opts: opts, logger: logger}, nil
}

// Options returns the effective options after defaults.
func (e *Engine) Options() Options {
	return e.opts
}

type RegisterRequest struct {
	// ID is required by PolicyUpsert and ignored otherwise.
	ID       int64
	Template []byte
}

type RegisterOutcome struct {
	Record *models.Fingerprint
	// Replaced is true when PolicyUpsert overwrote an existing record.
	Replaced bool
}

func (e *Engine) checkTemplate(template []byte) error {
	if len(template) == 0 {
		return ErrMissingTemplate
	}
	if e.opts.TemplateSize > 0 && len(template) != e.opts.TemplateSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedTemplate, len(template), e.opts.TemplateSize)
	}
	return nil
}

// Register stores a template according to the configured policy.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterOutcome, error) {
	out, err := e.register(ctx, req)
	observability.Registrations.WithLabelValues(registerLabel(out, err)).Inc()
	return out, err
}

func (e *Engine) register(ctx context.Context, req RegisterRequest) (*RegisterOutcome, error) {
	if err := e.checkTemplate(req.Template); err != nil {
		return nil, err
	}

	if e.opts.RegistrationPolicy == PolicyUpsert {
		if req.ID <= 0 {
			return nil, ErrMissingID
		}
		fp := &models.Fingerprint{ID: req.ID, Template: req.Template}
		replaced, err := e.store.Upsert(ctx, fp)
		if err != nil {
			return nil, storeErr("upsert", err)
		}
		e.logger.Info("fingerprint saved", "id", fp.ID, "replaced", replaced)
		return &RegisterOutcome{Record: fp, Replaced: replaced}, nil
	}

	if e.opts.RegistrationPolicy == PolicyAutoincrementDedupe {
		existing, err := e.store.FindByTemplate(ctx, req.Template)
		if err != nil {
			return nil, storeErr("find by template", err)
		}
		if existing != nil {
			return nil, &DuplicateError{ExistingID: existing.ID}
		}
	}

	maxID, ok, err := e.store.MaxID(ctx)
	if err != nil {
		return nil, storeErr("max id", err)
	}
	nextID := int64(1)
	if ok {
		nextID = maxID + 1
	}

	fp := &models.Fingerprint{ID: nextID, Template: req.Template}
	if err := e.store.Insert(ctx, fp); err != nil {
		return nil, storeErr("insert", err)
	}
	e.logger.Info("fingerprint registered", "id", fp.ID, "bytes", len(fp.Template))
	return &RegisterOutcome{Record: fp}, nil
}

func registerLabel(out *RegisterOutcome, err error) string {
	switch {
	case err == nil && out.Replaced:
		return "replaced"
	case err == nil:
		return "registered"
	case isDuplicate(err):
		return "duplicate"
	case isStore(err):
		return "error"
	default:
		return "rejected"
	}
}

type Decision string

const (
	Matched Decision = "matched"
	NoMatch Decision = "no_match"
)

type Confidence string

const (
	ConfidenceHigh     Confidence = "High"
	ConfidenceModerate Confidence = "Moderate"
)

type MatchOutcome struct {
	Decision Decision
	// Similarity is the best score seen, in percent. 0 for an empty store.
	Similarity float64
	// Record is the matched record. Nil unless Decision is Matched.
	Record *models.Fingerprint
	// ClosestID is the id of the best-scoring candidate, if any were scanned.
	ClosestID  *int64
	Confidence Confidence
	// Attendance is set when a matched probe was logged.
	Attendance *models.AttendanceEvent
	Candidates int
}

// Rounded returns the similarity rounded to two decimals. Decision is made
// on the unrounded value, so 84.996 is NoMatch at threshold 85.
func (o *MatchOutcome) Rounded() float64 {
	return math.Round(o.Similarity*100) / 100
}

// Percent renders the similarity for display, e.g. "92.00%". It is display
// only; see Rounded.
func (o *MatchOutcome) Percent() string {
	return FormatPercent(o.Similarity)
}

// FormatPercent renders a similarity with two decimals and a percent sign.
func FormatPercent(similarity float64) string {
	return fmt.Sprintf("%.2f%%", similarity)
}

// Match scans every stored template and decides whether the best candidate
// clears the threshold. On equal scores the candidate seen first, i.e. the
// lowest id, wins.
func (e *Engine) Match(ctx context.Context, template []byte) (*MatchOutcome, error) {
	start := time.Now()
	out, err := e.match(ctx, template)
	observability.MatchDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && isStore(err):
		observability.Matches.WithLabelValues("error").Inc()
	case err != nil:
		observability.Matches.WithLabelValues("rejected").Inc()
	default:
		observability.Matches.WithLabelValues(string(out.Decision)).Inc()
		observability.MatchSimilarity.Observe(out.Similarity)
		observability.CandidatesScanned.Observe(float64(out.Candidates))
	}
	return out, err
}

func (e *Engine) match(ctx context.Context, template []byte) (*MatchOutcome, error) {
	if len(template) == 0 {
		return nil, ErrMissingTemplate
	}

	candidates, err := e.store.FindAll(ctx)
	if err != nil {
		return nil, storeErr("find all", err)
	}

	out := &MatchOutcome{Decision: NoMatch, Candidates: len(candidates)}
	best := -1
	bestScore := 0.0
	for i := range candidates {
		score := Similarity(template, candidates[i].Template, e.opts.LengthPolicy)
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return out, nil
	}

	out.Similarity = bestScore
	closest := candidates[best].ID
	out.ClosestID = &closest

	if bestScore < e.opts.Threshold {
		e.logger.Debug("no fingerprint match",
			"similarity", out.Percent(),
			"closest_id", closest,
			"candidates", len(candidates),
		)
		return out, nil
	}

	record := candidates[best]
	out.Decision = Matched
	out.Record = &record
	out.Confidence = ConfidenceModerate
	if bestScore >= e.opts.HighConfidence {
		out.Confidence = ConfidenceHigh
	}

	if e.opts.RecordAttendance {
		ev, err := e.store.InsertAttendance(ctx, record.ID, bestScore)
		if err != nil {
			observability.AttendanceFailures.Inc()
			e.logger.Error("record attendance", "fingerprint_id", record.ID, "error", err)
		} else {
			out.Attendance = ev
		}
	}

	e.logger.Info("fingerprint matched",
		"id", record.ID,
		"similarity", out.Percent(),
		"confidence", out.Confidence,
		"candidates", len(candidates),
	)
	return out, nil
}

// ListAll returns every stored record.
func (e *Engine) ListAll(ctx context.Context) ([]models.Fingerprint, error) {
	records, err := e.store.FindAll(ctx)
	if err != nil {
		return nil, storeErr("find all", err)
	}
	return records, nil
}

// Get returns the record with id or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id int64) (*models.Fingerprint, error) {
	fp, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr("find by id", err)
	}
	if fp == nil {
		return nil, ErrNotFound
	}
	return fp, nil
}

// Decode returns the stored template of id as lowercase hex.
func (e *Engine) Decode(ctx context.Context, id int64) (string, error) {
	fp, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(fp.Template), nil
}

// Compare scores two templates with the engine's length policy.
func (e *Engine) Compare(a, b []byte) float64 {
	return Similarity(a, b, e.opts.LengthPolicy)
}
