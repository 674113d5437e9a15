// Package quality scores finished soulprint sections with a judge model and
// regenerates the ones that fall short.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soulprintlabs/soulprint/internal/llm"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// ProfileSource reads the profiles eligible for refinement.
type ProfileSource interface {
	ListCompleteUserIDs(ctx context.Context, limit int) ([]string, error)
	GetByUser(ctx context.Context, userID string) (types.SoulprintProfile, error)
}

// ScoreStore persists judge results.
type ScoreStore interface {
	SaveBreakdown(ctx context.Context, breakdown types.QualityBreakdown) error
}

// Regenerator rebuilds one section in place.
type Regenerator interface {
	RegenerateSection(ctx context.Context, userID string, name types.SectionName, contextSet types.SectionSet, facts []string) (types.SectionDoc, error)
}

const judgeInstruction = `You are a quality judge for a user memory profile. Score the profile section below on three axes, each between 0.0 and 1.0:

- completeness: how much of what this section should cover is present
- coherence: whether the entries are consistent and non-contradictory
- specificity: whether the entries are concrete rather than generic filler

Output requirements:
- Return ONLY a valid JSON object: {"completeness": 0.0, "coherence": 0.0, "specificity": 0.0}`

const (
	judgeMaxTokens   = 200
	usersPerSweep    = 20
	judgeTemperature = 0.1
)

// Refiner runs the periodic judge-and-regenerate cycle.
type Refiner struct {
	log       *slog.Logger
	completer llm.Completer
	model     string
	profiles  ProfileSource
	scores    ScoreStore
	regen     Regenerator
	threshold float64
}

// NewRefiner creates a Refiner. Sections whose lowest axis scores below
// threshold get regenerated.
func NewRefiner(log *slog.Logger, completer llm.Completer, model string, profiles ProfileSource, scores ScoreStore, regen Regenerator, threshold float64) *Refiner {
	return &Refiner{
		log:       log.With("component", "refiner"),
		completer: completer,
		model:     model,
		profiles:  profiles,
		scores:    scores,
		regen:     regen,
		threshold: threshold,
	}
}

// Run refines profiles on the given interval until the context is canceled.
func (r *Refiner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refiner) sweep(ctx context.Context) {
	userIDs, err := r.profiles.ListCompleteUserIDs(ctx, usersPerSweep)
	if err != nil {
		r.log.Error("failed to list profiles for refinement", "error", err)
		return
	}
	for _, userID := range userIDs {
		if err := r.RefineUser(ctx, userID); err != nil {
			r.log.Warn("profile refinement failed", "user_id", userID, "error", err)
		}
	}
}

// RefineUser scores every section of the user's profile, stores the complete
// breakdown, and regenerates sections below the threshold. Scores from a
// partially failed run are never written; the breakdown is all or nothing.
func (r *Refiner) RefineUser(ctx context.Context, userID string) error {
	profile, err := r.profiles.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Status != types.ProfileComplete {
		return nil
	}

	breakdown := types.QualityBreakdown{
		UserID:   userID,
		Scores:   map[types.SectionName]types.SectionScore{},
		ScoredAt: time.Now(),
	}
	for _, name := range types.SectionNames {
		doc := profile.Sections[name]
		if len(doc) == 0 {
			// Nothing to judge; an empty section scores zero and gets rebuilt.
			breakdown.Scores[name] = types.SectionScore{}
			continue
		}
		score, err := r.scoreSection(ctx, name, doc)
		if err != nil {
			return fmt.Errorf("failed to score section %s: %w", name, err)
		}
		breakdown.Scores[name] = score
	}

	if err := r.scores.SaveBreakdown(ctx, breakdown); err != nil {
		return err
	}

	for _, name := range types.SectionNames {
		score := breakdown.Scores[name]
		if score.Min() >= r.threshold {
			continue
		}
		r.log.Info("regenerating low quality section",
			"user_id", userID, "section", name,
			"completeness", score.Completeness, "coherence", score.Coherence, "specificity", score.Specificity)
		if _, err := r.regen.RegenerateSection(ctx, userID, name, profile.Sections, nil); err != nil {
			// One stubborn section must not block the others.
			r.log.Warn("section regeneration failed", "user_id", userID, "section", name, "error", err)
		}
	}
	return nil
}

func (r *Refiner) scoreSection(ctx context.Context, name types.SectionName, doc types.SectionDoc) (types.SectionScore, error) {
	raw, err := r.completer.Complete(ctx, buildJudgePrompt(name, doc), llm.Options{
		Model:       r.model,
		MaxTokens:   judgeMaxTokens,
		Temperature: judgeTemperature,
	})
	if err != nil {
		return types.SectionScore{}, err
	}
	return parseScore(raw)
}

func buildJudgePrompt(name types.SectionName, doc types.SectionDoc) string {
	var sb strings.Builder
	sb.WriteString(judgeInstruction)
	fmt.Fprintf(&sb, "\n\nSECTION %q:\n", name)
	for field, value := range doc {
		switch v := value.(type) {
		case string:
			fmt.Fprintf(&sb, "%s: %s\n", field, v)
		case []string:
			fmt.Fprintf(&sb, "%s: %s\n", field, strings.Join(v, "; "))
		}
	}
	return sb.String()
}

func parseScore(raw string) (types.SectionScore, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return types.SectionScore{}, fmt.Errorf("judge returned no json object")
	}
	var score types.SectionScore
	if err := json.Unmarshal([]byte(raw[start:end+1]), &score); err != nil {
		return types.SectionScore{}, fmt.Errorf("failed to parse judge scores: %w", err)
	}
	score.Completeness = clamp(score.Completeness)
	score.Coherence = clamp(score.Coherence)
	score.Specificity = clamp(score.Specificity)
	return score, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
