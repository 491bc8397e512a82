// ABOUTME: Consensus engine: broadcasts a decision request and collects weighted votes
// ABOUTME: Each voter is awaited independently; silent voters are left out of the round

package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coordinator/internal/correlator"
	"github.com/2389/coven-coordinator/internal/protocol"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/telemetry"
)

// Defaults used when Options leaves them at zero.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

// ActionVote is the payload action of a vote reply.
const ActionVote = "VOTE"

// ActionConsensusRequest is the payload action of the broadcast request.
const ActionConsensusRequest = "CONSENSUS_REQUEST"

// Submitter accepts messages for routing.
type Submitter interface {
	Submit(ctx context.Context, msg *protocol.Message) error
}

// Voters lists the agents eligible to vote.
type Voters interface {
	IDs() []string
}

// Expecter arms one-shot waiters before a message is submitted.
type Expecter interface {
	Expect(pred correlator.Predicate) *correlator.Waiter
}

// Options configures an Engine.
type Options struct {
	Router         Submitter
	Voters         Voters
	Correlator     Expecter
	Store          store.ConsensusStore // optional
	Metrics        *telemetry.Metrics   // optional
	DefaultTimeout time.Duration
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// Engine runs consensus rounds.
type Engine struct {
	router         Submitter
	voters         Voters
	correlator     Expecter
	store          store.ConsensusStore
	metrics        *telemetry.Metrics
	defaultTimeout time.Duration
	persistTimeout time.Duration
	logger         *slog.Logger
}

// New creates a consensus engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	return &Engine{
		router:         opts.Router,
		voters:         opts.Voters,
		correlator:     opts.Correlator,
		store:          opts.Store,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		persistTimeout: opts.PersistTimeout,
		logger:         logger.With("component", "consensus"),
	}
}

// RequestConsensus broadcasts decision to every registered agent and waits
// up to timeout (DefaultTimeout when zero) for each one's vote. Partial
// participation is normal: the result is always returned, even with zero
// votes. An error is returned only when the request cannot be submitted or
// ctx ends before the round settles.
func (e *Engine) RequestConsensus(ctx context.Context, decision, decisionContext any, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	voters := eligible(e.voters.IDs())
	req := protocol.NewMessage(protocol.Coordinator, protocol.Broadcast, protocol.KindConsensusRequest, protocol.Payload{
		protocol.KeyAction: ActionConsensusRequest,
		"decision":         decision,
		"context":          decisionContext,
		"timeout_ms":       timeout.Milliseconds(),
	})
	decisionID := req.CorrelationID
	req.Payload["decision_id"] = decisionID

	ctx, span := telemetry.StartConsensusSpan(ctx, decisionID, len(voters))
	logger := e.logger.With("decision_id", decisionID)

	// Waiters are armed before the broadcast so synchronous voters are seen.
	waiters := make(map[string]*correlator.Waiter, len(voters))
	for _, id := range voters {
		waiters[id] = e.correlator.Expect(correlator.All(
			correlator.ByCorrelation(req.CorrelationID),
			correlator.ByFrom(id),
			correlator.ByAction(ActionVote),
		))
	}

	if err := e.router.Submit(ctx, req); err != nil {
		for _, w := range waiters {
			w.Cancel()
		}
		err = fmt.Errorf("submitting consensus request: %w", err)
		telemetry.EndSpan(span, err)
		return nil, err
	}
	logger.Info("consensus requested", "voters", len(voters), "timeout", timeout)

	// One slot per voter keeps votes in registration order regardless of
	// which answer lands first; the tie-break depends on that order.
	var (
		slots = make([]*Vote, len(voters))
		g     errgroup.Group
	)
	for i, id := range voters {
		w := waiters[id]
		g.Go(func() error {
			msg, err := w.Wait(ctx, timeout)
			switch {
			case err == nil:
			case errors.Is(err, correlator.ErrResponseTimeout):
				logger.Debug("voter did not answer in time", "agent_id", id)
				e.metrics.WaiterTimedOut(ctx, "consensus")
				return nil
			case errors.Is(err, correlator.ErrStreamClosed):
				logger.Warn("event stream closed while waiting for vote", "agent_id", id)
				return nil
			default:
				return err
			}

			v := parseVote(id, msg.Payload)
			slots[i] = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	votes := make([]Vote, 0, len(voters))
	for _, v := range slots {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	res := Aggregate(decisionID, votes)
	logger.Info("consensus reached",
		"votes", len(res.Votes),
		"level", res.Level,
		"agreement_score", res.AgreementScore,
	)

	e.persist(ctx, decision, res)
	e.metrics.ConsensusFinished(ctx, string(res.Level), res.AgreementScore)
	telemetry.EndSpan(span, nil)
	return res, nil
}

// persist writes votes and result in one unit. Failures are logged only.
func (e *Engine) persist(ctx context.Context, decision any, res *Result) {
	if e.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()

	rec := &store.ConsensusRecord{
		DecisionID:     res.DecisionID,
		Topic:          topicString(decision),
		AgreementScore: res.AgreementScore,
		Level:          string(res.Level),
		TotalWeight:    res.TotalWeight,
		CreatedAt:      time.Now().UTC(),
	}
	if res.Decision != nil {
		rec.DecisionJSON = voteKey(res.Decision)
	}
	for _, v := range res.Votes {
		rec.Votes = append(rec.Votes, store.VoteRecord{
			AgentID:    v.AgentID,
			VoteJSON:   voteKey(v.Value),
			Confidence: v.Confidence,
			Reasoning:  v.Reasoning,
		})
	}

	if err := e.store.SaveConsensus(ctx, rec); err != nil {
		e.logger.Error("failed to persist consensus round",
			"decision_id", res.DecisionID,
			"error", err,
		)
		e.metrics.PersistFailed(ctx, "consensus")
	}
}

// parseVote reads a VOTE payload. Missing or non-numeric confidence counts
// as 1.0; out of range values are clamped to [0, 1].
func parseVote(agentID string, p protocol.Payload) Vote {
	v := Vote{
		AgentID:    agentID,
		Value:      p[protocol.KeyVote],
		Confidence: 1.0,
	}
	if c, ok := toFloat(p[protocol.KeyConfidence]); ok && !math.IsNaN(c) {
		v.Confidence = math.Max(0, math.Min(1, c))
	}
	if r, ok := p[protocol.KeyReasoning].(string); ok {
		v.Reasoning = r
	}
	return v
}

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func eligible(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != protocol.Coordinator {
			out = append(out, id)
		}
	}
	return out
}

func topicString(decision any) string {
	if s, ok := decision.(string); ok {
		return s
	}
	return voteKey(decision)
}
