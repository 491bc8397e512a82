// ABOUTME: Weighted vote aggregation into a decision, agreement score and level
// ABOUTME: Pure function: buckets votes by value, first-seen bucket wins exact ties

package consensus

import (
	"encoding/json"
	"fmt"
	"math"
)

// Level is the qualitative strength of a consensus.
type Level string

const (
	LevelNone     Level = "none"
	LevelWeak     Level = "weak"
	LevelModerate Level = "moderate"
	LevelStrong   Level = "strong"
)

// Score thresholds for Level, inclusive.
const (
	StrongThreshold   = 90.0
	ModerateThreshold = 70.0
)

// Vote is one agent's answer in a round.
type Vote struct {
	AgentID    string  `json:"agentId"`
	Value      any     `json:"vote"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Bucket accumulates every vote for one distinct value.
type Bucket struct {
	Key       string   `json:"key"`
	Vote      any      `json:"vote"`
	Weight    float64  `json:"weight"`
	Count     int      `json:"count"`
	Reasoning []string `json:"reasoning"`
}

// Result is the outcome of a consensus round. It is not mutated after it
// is returned.
type Result struct {
	DecisionID     string             `json:"decisionId"`
	Decision       any                `json:"decision"`
	AgreementScore float64            `json:"agreementScore"`
	Level          Level              `json:"level"`
	TotalWeight    float64            `json:"totalWeight"`
	Votes          []Vote             `json:"votes"`
	Distribution   map[string]*Bucket `json:"distribution"`
	Buckets        []*Bucket          `json:"-"` // encounter order
}

// Aggregate reduces votes to a Result. Votes are grouped by the JSON
// encoding of their value. The bucket with the greatest total confidence
// wins; on an exact tie the bucket seen first wins. A total weight of zero
// yields no decision, score 0 and LevelNone.
func Aggregate(decisionID string, votes []Vote) *Result {
	res := &Result{
		DecisionID:   decisionID,
		Level:        LevelNone,
		Votes:        append([]Vote{}, votes...),
		Distribution: make(map[string]*Bucket),
	}

	for _, v := range votes {
		key := voteKey(v.Value)
		b, ok := res.Distribution[key]
		if !ok {
			b = &Bucket{Key: key, Vote: v.Value, Reasoning: []string{}}
			res.Distribution[key] = b
			res.Buckets = append(res.Buckets, b)
		}
		b.Weight += v.Confidence
		b.Count++
		if v.Reasoning != "" {
			b.Reasoning = append(b.Reasoning, v.Reasoning)
		}
		res.TotalWeight += v.Confidence
	}

	if res.TotalWeight <= 0 {
		return res
	}

	var winner *Bucket
	for _, b := range res.Buckets {
		// Strictly greater: an equal later bucket never displaces the first.
		if winner == nil || b.Weight > winner.Weight {
			winner = b
		}
	}

	res.Decision = winner.Vote
	res.AgreementScore = round2(winner.Weight / res.TotalWeight * 100)
	res.Level = LevelFor(res.AgreementScore)
	return res
}

// LevelFor maps an agreement score of a round with votes to its level.
func LevelFor(score float64) Level {
	switch {
	case score >= StrongThreshold:
		return LevelStrong
	case score >= ModerateThreshold:
		return LevelModerate
	default:
		return LevelWeak
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// voteKey is the bucket identity of a vote value. encoding/json sorts map
// keys, so structurally equal values share a key.
func voteKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}
