// ABOUTME: Ready-made in-process agents: echo responder, fixed voter, failing agent
// ABOUTME: Built on agent.Local and declared through the agents config section

package builtins

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/consensus"
	"github.com/2389/coven-coordinator/internal/protocol"
)

// DefaultFailure is the error text of a failing agent without one configured.
const DefaultFailure = "agent is failing"

// Echo answers every REQUEST with a RESPONSE carrying the request's data.
// It does not vote.
func Echo(id string) *agent.Local {
	return agent.NewLocal(id, func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		if msg.Kind != protocol.KindRequest {
			return nil
		}
		return self.Reply(ctx, msg, protocol.KindResponse, protocol.Payload{
			protocol.KeyAction: msg.Action(),
			protocol.KeyData:   msg.Data(),
		})
	})
}

// Voter casts the same vote in every consensus round.
func Voter(id string, vote any, confidence float64, reasoning string) *agent.Local {
	return agent.NewLocal(id, func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		if msg.Kind != protocol.KindConsensusRequest {
			return nil
		}
		payload := protocol.Payload{
			protocol.KeyAction:     consensus.ActionVote,
			protocol.KeyVote:       vote,
			protocol.KeyConfidence: confidence,
		}
		if reasoning != "" {
			payload[protocol.KeyReasoning] = reasoning
		}
		return self.Reply(ctx, msg, protocol.KindVote, payload)
	})
}

// Failing answers every REQUEST with an ERROR, rejects every other delivery
// and reports itself unhealthy.
func Failing(id, reason string) *agent.Local {
	if reason == "" {
		reason = DefaultFailure
	}
	l := agent.NewLocal(id, func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
		if msg.Kind == protocol.KindRequest {
			return self.Reply(ctx, msg, protocol.KindError, protocol.Payload{
				protocol.KeyError: reason,
			})
		}
		return errors.New(reason)
	})
	l.SetStatusFunc(func(context.Context) (*agent.Status, error) {
		return &agent.Status{Healthy: false, Detail: reason}, nil
	})
	return l
}

// FromConfig builds the agent an agents config entry declares.
func FromConfig(ac config.AgentConfig) (*agent.Local, error) {
	switch ac.Type {
	case config.AgentTypeEcho:
		return Echo(ac.ID), nil
	case config.AgentTypeVoter:
		return Voter(ac.ID, ac.Vote, ac.Confidence, ac.Reasoning), nil
	case config.AgentTypeFailing:
		return Failing(ac.ID, ac.Error), nil
	default:
		return nil, fmt.Errorf("unknown agent type %q for %s", ac.Type, ac.ID)
	}
}
