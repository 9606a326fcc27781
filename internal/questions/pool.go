// Package questions loads the read-only question bank used to draw rounds.
package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/models"
	"github.com/aura-trivia/bot/pkg/storage"
)

// LoadError reports a question bank that cannot be used. It is fatal at startup.
type LoadError struct {
	Source string
	Index  int // offending record, -1 when the whole source is bad
	Err    error
}

func (e *LoadError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("load questions from %s: record %d: %v", e.Source, e.Index, e.Err)
	}
	return fmt.Sprintf("load questions from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	errNoPrompt      = errors.New("missing question text")
	errFewOptions    = errors.New("need at least two options")
	errBlankOption   = errors.New("blank option")
	errNoCorrect     = errors.New("missing correct_index")
	errCorrectIndex  = errors.New("correct_index out of range")
	errEmptyPool     = errors.New("no questions found")
	errMissingSource = errors.New("no source configured")
)

// Fetcher downloads a remote source. *storage.S3 satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Pool is the immutable, ordered question bank.
type Pool struct {
	questions []models.Question
}

// NewPool wraps already validated questions. Used by tests and Load.
func NewPool(qs []models.Question) *Pool {
	cp := make([]models.Question, len(qs))
	copy(cp, qs)
	return &Pool{questions: cp}
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.questions) }

// At returns the question at pool index i.
func (p *Pool) At(i int) (models.Question, bool) {
	if i < 0 || i >= len(p.questions) {
		return models.Question{}, false
	}
	return p.questions[i], true
}

// Load reads the question bank from a local file or, for s3:// sources, through fetcher.
func Load(ctx context.Context, source string, fetcher Fetcher, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(source) == "" {
		return nil, &LoadError{Source: source, Index: -1, Err: errMissingSource}
	}

	var (
		raw []byte
		err error
	)
	if storage.IsURI(source) {
		if fetcher == nil {
			return nil, &LoadError{Source: source, Index: -1, Err: errors.New("s3 source without s3 client")}
		}
		raw, err = fetcher.Fetch(ctx, source)
	} else {
		raw, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, &LoadError{Source: source, Index: -1, Err: err}
	}

	qs, err := Parse(raw)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Source = source
			return nil, le
		}
		return nil, &LoadError{Source: source, Index: -1, Err: err}
	}

	logger.Info("question pool loaded", zap.String("source", source), zap.Int("count", len(qs)))
	return NewPool(qs), nil
}

// record mirrors models.Question with a pointer index so a missing field is detectable.
type record struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex *int     `json:"correct_index"`
}

// Parse decodes and validates a JSON question bank.
func Parse(raw []byte) ([]models.Question, error) {
	var recs []record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, &LoadError{Index: -1, Err: fmt.Errorf("decode json: %w", err)}
	}
	if len(recs) == 0 {
		return nil, &LoadError{Index: -1, Err: errEmptyPool}
	}
	qs := make([]models.Question, 0, len(recs))
	for i, r := range recs {
		if err := validate(r); err != nil {
			return nil, &LoadError{Index: i, Err: err}
		}
		qs = append(qs, models.Question{Text: r.Question, Options: r.Options, CorrectIndex: *r.CorrectIndex})
	}
	return qs, nil
}

func validate(r record) error {
	if strings.TrimSpace(r.Question) == "" {
		return errNoPrompt
	}
	if len(r.Options) < 2 {
		return errFewOptions
	}
	for _, o := range r.Options {
		if strings.TrimSpace(o) == "" {
			return errBlankOption
		}
	}
	if r.CorrectIndex == nil {
		return errNoCorrect
	}
	if *r.CorrectIndex < 0 || *r.CorrectIndex >= len(r.Options) {
		return errCorrectIndex
	}
	return nil
}
