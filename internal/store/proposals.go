package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/swarm"
)

const proposalColumns = `id, swarm_id, task_id, proposer_id, description, payload, required_threshold,
	voters, strategy, deadline, status, created_at, resolved_at`

func scanProposal(scanner interface {
	Scan(dest ...any) error
}) (*swarm.Proposal, error) {
	p := &swarm.Proposal{Votes: make(map[string]swarm.Vote)}
	var taskID, proposerID, strategy sql.NullString
	var payload, voters *string
	var status string
	err := scanner.Scan(&p.ID, &p.SwarmID, &taskID, &proposerID, &p.Description, &payload, &p.RequiredThreshold,
		&voters, &strategy, &p.Deadline, &status, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		return nil, err
	}
	p.TaskID = taskID.String
	p.ProposerID = proposerID.String
	p.Strategy = strategy.String
	p.Status = swarm.ProposalStatus(status)
	if err := unmarshalJSON(payload, &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := unmarshalJSON(voters, &p.Voters); err != nil {
		return nil, fmt.Errorf("decode voters: %w", err)
	}
	return p, nil
}

func (s *Store) CreateProposal(ctx context.Context, p *swarm.Proposal) error {
	payload, err := marshalJSON(p.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	voters, err := marshalJSON(p.Voters)
	if err != nil {
		return fmt.Errorf("encode voters: %w", err)
	}
	status := p.Status
	if status == "" {
		status = swarm.ProposalOpen
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SwarmID, p.TaskID, p.ProposerID, p.Description, payload, p.RequiredThreshold,
		voters, p.Strategy, utc(p.Deadline), string(status), utc(p.CreatedAt), utcPtr(p.ResolvedAt))
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

// UpdateProposal records the outcome of a proposal. Votes are stored
// separately through SubmitVote.
func (s *Store) UpdateProposal(ctx context.Context, p *swarm.Proposal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?, resolved_at = ?
		WHERE id = ?`, string(p.Status), utcPtr(p.ResolvedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return swarm.NotFound("update proposal", "proposal %q", p.ID)
	}
	return nil
}

// GetProposal loads the proposal with its votes.
func (s *Store) GetProposal(ctx context.Context, id string) (*swarm.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	votes, err := s.ListVotes(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, v := range votes {
		p.Votes[v.AgentID] = v
	}
	return p, nil
}

// ListRecentProposals returns the swarm's proposals created at or after
// since, newest first.
func (s *Store) ListRecentProposals(ctx context.Context, swarmID string, since time.Time, limit int) ([]*swarm.Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE swarm_id = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`, swarmID, utc(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*swarm.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Votes are needed for participation and latency figures.
	for _, p := range out {
		votes, err := s.ListVotes(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range votes {
			p.Votes[v.AgentID] = v
		}
	}
	return out, nil
}

// SubmitVote stores v, replacing an earlier vote by the same agent.
func (s *Store) SubmitVote(ctx context.Context, v swarm.Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (proposal_id, agent_id, approve, reason, cast_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(proposal_id, agent_id) DO UPDATE SET
			approve = excluded.approve,
			reason = excluded.reason,
			cast_at = excluded.cast_at`,
		v.ProposalID, v.AgentID, v.Approve, v.Reason, utc(v.CastAt))
	if err != nil {
		return fmt.Errorf("submit vote: %w", err)
	}
	return nil
}

func (s *Store) ListVotes(ctx context.Context, proposalID string) ([]swarm.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, agent_id, approve, reason, cast_at
		FROM votes WHERE proposal_id = ? ORDER BY cast_at, agent_id`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []swarm.Vote
	for rows.Next() {
		var v swarm.Vote
		var reason sql.NullString
		if err := rows.Scan(&v.ProposalID, &v.AgentID, &v.Approve, &reason, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Reason = reason.String
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
