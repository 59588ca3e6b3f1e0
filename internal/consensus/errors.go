package consensus

import (
	"fmt"

	"github.com/mtzanidakis/hive/internal/swarm"
)

// ProposalNotFound is returned for votes and checks against a proposal that
// is not active (never created, already resolved, or the engine shut down).
func ProposalNotFound(id string) error {
	return &swarm.Error{Kind: swarm.ErrNotFound, Op: "consensus", Msg: fmt.Sprintf("proposal %q not found", id)}
}

// InvalidVote is returned for malformed, ineligible or late votes.
func InvalidVote(format string, args ...any) error {
	return &swarm.Error{Kind: swarm.ErrInvalidInput, Op: "submit vote", Msg: fmt.Sprintf(format, args...)}
}
