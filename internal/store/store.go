// ABOUTME: Store interface and record types for coordinator persistence
// ABOUTME: Routed messages and consensus rounds (votes plus result) are durably recorded

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agreement levels accepted by the consensus_rounds table
const (
	LevelNone     = "none"
	LevelWeak     = "weak"
	LevelModerate = "moderate"
	LevelStrong   = "strong"
)

// VoteRecord is one agent's vote as persisted
type VoteRecord struct {
	AgentID    string
	VoteJSON   string // JSON encoding of the vote value
	Confidence float64
	Reasoning  string
}

// ConsensusRecord is a finished consensus round with every vote it counted
type ConsensusRecord struct {
	DecisionID     string
	Topic          string
	DecisionJSON   string // empty when no decision was reached
	AgreementScore float64
	Level          string
	TotalWeight    float64
	Votes          []VoteRecord
	CreatedAt      time.Time
}

// MessageStore records routed messages
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *protocol.Message) error
	ListMessages(ctx context.Context, correlationID string, limit int) ([]*protocol.Message, error)
}

// ConsensusStore records consensus rounds
type ConsensusStore interface {
	// SaveConsensus writes the round and all of its votes, or nothing.
	SaveConsensus(ctx context.Context, rec *ConsensusRecord) error
	GetConsensus(ctx context.Context, decisionID string) (*ConsensusRecord, error)
	ListConsensus(ctx context.Context, limit int) ([]*ConsensusRecord, error)
}

// Store is the persistence adapter used by the coordinator
type Store interface {
	MessageStore
	ConsensusStore

	// Close releases any resources held by the store
	Close() error
}
