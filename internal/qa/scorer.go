package qa

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calls"
)

const (
	weightSentiment       = 0.3
	weightCompliance      = 0.3
	weightAccuracy        = 0.2
	weightProfessionalism = 0.2

	lowOverallThreshold       = 0.5
	negativeSentimentAverage  = -0.3
	labelThreshold            = 0.1
	compliancePenaltyPerIssue = 0.1
	professionalismPenalty    = 0.8
)

// PolicySource returns the policy in force. *PolicyStore implements it.
type PolicySource interface {
	Current() Policy
}

type staticPolicy Policy

func (p staticPolicy) Current() Policy { return Policy(p) }

// StaticPolicy wraps a fixed policy.
func StaticPolicy(p Policy) PolicySource { return staticPolicy(p) }

type ScorerConfig struct {
	Policies PolicySource
	// Analyzer overrides the lexicon analyzer built from the policy words.
	Analyzer Analyzer
	Accuracy AccuracyEvaluator
	Logger   *zap.Logger
	Now      func() time.Time
}

// Scorer computes QA scores from a transcript. It never touches storage.
type Scorer struct {
	policies PolicySource
	analyzer Analyzer
	accuracy AccuracyEvaluator
	logger   *zap.Logger
	now      func() time.Time
}

func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.Policies == nil {
		cfg.Policies = StaticPolicy(DefaultPolicy())
	}
	if cfg.Accuracy == nil {
		cfg.Accuracy = FixedAccuracy(DefaultAccuracyPlaceholder)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scorer{
		policies: cfg.Policies,
		analyzer: cfg.Analyzer,
		accuracy: cfg.Accuracy,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Score grades a finished transcript.
func (s *Scorer) Score(ctx context.Context, callID string, interactions []calls.Interaction) (calls.QAScore, error) {
	return s.score(ctx, callID, interactions, s.accuracy)
}

// ScoreRunning grades a transcript that is still growing. Accuracy is left
// out so the live path never waits on an external grader.
func (s *Scorer) ScoreRunning(ctx context.Context, callID string, interactions []calls.Interaction) (calls.QAScore, error) {
	return s.score(ctx, callID, interactions, nil)
}

func (s *Scorer) score(ctx context.Context, callID string, interactions []calls.Interaction, evaluator AccuracyEvaluator) (calls.QAScore, error) {
	if len(interactions) == 0 {
		return calls.QAScore{}, calls.ErrInsufficientData
	}
	policy := s.policies.Current()
	analyzer := s.analyzer
	if analyzer == nil {
		analyzer = NewLexiconAnalyzer(policy.PositiveWords, policy.NegativeWords)
	}

	var (
		sum    float64
		issues []string
		seen   = make(map[string]struct{})
	)
	for _, in := range interactions {
		sum += clamp(analyzer.Score(in.Text), -1, 1)
		if in.Speaker != calls.SpeakerAgent {
			continue
		}
		for _, code := range CheckCompliance(in.Text, policy.ProhibitedPhrases) {
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			issues = append(issues, code)
		}
	}
	avg := sum / float64(len(interactions))

	sentiment := (avg + 1) / 2
	compliance := math.Max(0, 1-compliancePenaltyPerIssue*float64(len(issues)))
	professionalism := sentiment
	if len(issues) > 0 {
		professionalism *= professionalismPenalty
	}

	var accuracy *float64
	if evaluator != nil {
		acc, err := evaluator.Evaluate(ctx, interactions)
		if err != nil {
			s.logger.Warn("accuracy evaluation failed; scoring without it",
				zap.String("call_id", callID),
				zap.Error(err))
		} else if acc != nil {
			v := clamp(*acc, 0, 1)
			accuracy = &v
		}
	}

	weighted := weightSentiment*sentiment + weightCompliance*compliance + weightProfessionalism*professionalism
	total := weightSentiment + weightCompliance + weightProfessionalism
	if accuracy != nil {
		weighted += weightAccuracy * *accuracy
		total += weightAccuracy
	}
	overall := round3(clamp(weighted/total, 0, 1))

	out := calls.QAScore{
		ID:               uuid.NewString(),
		CallID:           callID,
		Overall:          overall,
		Sentiment:        ptr(round3(sentiment)),
		Compliance:       ptr(round3(compliance)),
		Professionalism:  ptr(round3(professionalism)),
		SentimentAvg:     round3(avg),
		SentimentLabel:   labelFor(avg),
		Flags:            []string{},
		ComplianceIssues: issues,
		TurnCount:        len(interactions),
		CreatedAt:        s.now().UTC(),
	}
	if accuracy != nil {
		out.Accuracy = ptr(round3(*accuracy))
	}
	if out.ComplianceIssues == nil {
		out.ComplianceIssues = []string{}
	}
	if overall < lowOverallThreshold {
		out.Flags = append(out.Flags, calls.FlagLowOverallScore)
	}
	if avg < negativeSentimentAverage {
		out.Flags = append(out.Flags, calls.FlagNegativeSentiment)
	}
	if len(issues) > 0 {
		out.Flags = append(out.Flags, calls.FlagComplianceIssue)
	}
	return out, nil
}

func labelFor(avg float64) calls.SentimentLabel {
	switch {
	case avg > labelThreshold:
		return calls.SentimentPositive
	case avg < -labelThreshold:
		return calls.SentimentNegative
	default:
		return calls.SentimentNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func ptr(v float64) *float64 { return &v }
