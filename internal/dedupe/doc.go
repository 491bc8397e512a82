// Package dedupe suppresses duplicate message ids at the router intake.
//
// Agents that retry an emit, or a bridge that replays its buffer, can submit
// the same message twice. Window remembers ids for a configurable period so
// the second copy is dropped instead of being routed and persisted again.
package dedupe
