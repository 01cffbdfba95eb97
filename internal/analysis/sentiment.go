package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/grassmudhorses/vader-go/lexicon"
	"github.com/grassmudhorses/vader-go/sentitext"

	"github.com/chatpulse/chatpulse/internal/store"
)

// Dual-technique weighting: the remote model understands context better,
// the local lexicon never lies about obvious polarity words.
const (
	localWeight  = 0.4
	remoteWeight = 0.6

	// Label thresholds on the combined and the lexicon-only compound
	// score respectively.
	combinedThreshold = 0.1
	compoundThreshold = 0.05

	defaultAgreementConfidence = 0.85
	disagreeConfidence         = 0.55
	localOnlyConfidence        = 0.6

	// Messages shorter than this carry no sentiment signal worth a row.
	defaultMinTextLen = 3
)

var (
	urlRe   = regexp.MustCompile(`https?://\S+`)
	spaceRe = regexp.MustCompile(`\s+`)
	mentRe  = regexp.MustCompile(`[@#](\w+)`)

	bangRunRe = regexp.MustCompile(`!{4,}`)
	quesRunRe = regexp.MustCompile(`\?{4,}`)
	dotRunRe  = regexp.MustCompile(`\.{4,}`)
)

// SentimentOptions tunes the agent. Zero values take the defaults.
type SentimentOptions struct {
	// MinTextLen is the minimum rune count, after preprocessing, worth
	// a result row. Default 3.
	MinTextLen int
	// AgreementConfidence is assigned when both techniques agree on a
	// label. Default 0.85.
	AgreementConfidence float64
}

// SentimentAgent classifies message polarity by combining the local VADER
// lexicon with an optional remote scoring service.
type SentimentAgent struct {
	remote    Scorer // nil means lexicon-only
	minLen    int
	agreeConf float64
}

func NewSentimentAgent(remote Scorer, opts SentimentOptions) *SentimentAgent {
	if opts.MinTextLen <= 0 {
		opts.MinTextLen = defaultMinTextLen
	}
	if opts.AgreementConfidence <= 0 {
		opts.AgreementConfidence = defaultAgreementConfidence
	}
	return &SentimentAgent{
		remote:    remote,
		minLen:    opts.MinTextLen,
		agreeConf: opts.AgreementConfidence,
	}
}

func (a *SentimentAgent) Kind() store.AgentKind { return store.AgentSentiment }

// sentimentInsights is the payload stored next to the label.
type sentimentInsights struct {
	LocalCompound float64 `json:"local_compound"`
	LocalPositive float64 `json:"local_positive"`
	LocalNegative float64 `json:"local_negative"`
	RemoteScore   float64 `json:"remote_score,omitempty"`
	Combined      float64 `json:"combined"`
	Techniques    int     `json:"techniques"`
	Agreement     bool    `json:"agreement"`
	WordCount     int     `json:"word_count"`
	Exclamation   bool    `json:"exclamation,omitempty"`
	Question      bool    `json:"question,omitempty"`
	CapsHeavy     bool    `json:"caps_heavy,omitempty"`
	Intensity     string  `json:"intensity"`
}

// capsHeavy reports whether a message shouts: at least a third of its
// letters uppercase, with enough letters for that to mean anything.
func capsHeavy(text string) bool {
	var letters, upper int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 6 && upper*3 >= letters
}

func intensityBucket(score float64) string {
	abs := math.Abs(score)
	switch {
	case abs >= 0.6:
		return "high"
	case abs >= 0.25:
		return "moderate"
	default:
		return "low"
	}
}

// Analyze scores the whole batch. A failed remote call fails the
// invocation; the orchestrator retries the batch as a unit, so the retry
// budget is spent per invocation rather than per message.
func (a *SentimentAgent) Analyze(ctx context.Context, batch []store.Message, _ map[string]*store.ConversationConfig) ([]store.AnalysisResult, error) {
	out := make([]store.AnalysisResult, 0, len(batch))
	for i := range batch {
		res, err := a.analyzeOne(ctx, &batch[i])
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (a *SentimentAgent) analyzeOne(ctx context.Context, msg *store.Message) (*store.AnalysisResult, error) {
	text := prepareForSentiment(msg.Text)
	if len([]rune(text)) < a.minLen {
		return nil, nil // nothing analyzable, deliberate skip
	}

	parsed := sentitext.Parse(text, lexicon.DefaultLexicon)
	local := sentitext.PolarityScore(parsed)

	ins := sentimentInsights{
		LocalCompound: local.Compound,
		LocalPositive: local.Positive,
		LocalNegative: local.Negative,
		Techniques:    1,
		WordCount:     len(strings.Fields(text)),
		Exclamation:   strings.Contains(text, "!"),
		Question:      strings.Contains(text, "?"),
		CapsHeavy:     capsHeavy(text),
	}

	combined := local.Compound
	confidence := localOnlyConfidence

	if a.remote != nil {
		remote, err := a.remote.Score(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("remote sentiment: %w", err)
		}
		ins.RemoteScore = remote
		ins.Techniques = 2
		combined = localWeight*local.Compound + remoteWeight*remote

		localLabel := labelFor(local.Compound, compoundThreshold)
		remoteLabel := labelFor(remote, combinedThreshold)
		ins.Agreement = localLabel == remoteLabel
		if ins.Agreement {
			confidence = a.agreeConf
		} else {
			confidence = disagreeConfidence
		}
	}
	ins.Combined = combined
	ins.Intensity = intensityBucket(combined)

	payload, err := json.Marshal(ins)
	if err != nil {
		return nil, fmt.Errorf("marshal insights: %w", err)
	}

	return &store.AnalysisResult{
		MessageID:  msg.ID,
		AgentKind:  store.AgentSentiment,
		Status:     store.ResultCompleted,
		Label:      string(labelFor(combined, combinedThreshold)),
		Score:      combined,
		Confidence: confidence,
		Payload:    payload,
		ProducedAt: time.Now(),
	}, nil
}

func labelFor(score, threshold float64) store.SentimentLabel {
	switch {
	case score > threshold:
		return store.SentimentPositive
	case score < -threshold:
		return store.SentimentNegative
	default:
		return store.SentimentNeutral
	}
}

// prepareForSentiment strips parts that confuse lexicon scoring while
// keeping the emphasis cues (caps, repeated punctuation) VADER uses.
// Long punctuation runs are capped rather than removed so "!!!!" still
// boosts but "!!!!!!!!!!!!" does not dominate the text.
func prepareForSentiment(text string) string {
	text = urlRe.ReplaceAllString(text, "")
	text = mentRe.ReplaceAllString(text, "$1")
	text = bangRunRe.ReplaceAllString(text, "!!!")
	text = quesRunRe.ReplaceAllString(text, "???")
	text = dotRunRe.ReplaceAllString(text, "...")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
