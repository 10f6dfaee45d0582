package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ent0n29/callbridge/internal/calls"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if _, err := Migrate(ctx, s.SQLDB()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SQLDB exposes the pool through database/sql for components that take a
// *sql.DB, such as the bridge lease locker.
func (s *PostgresStore) SQLDB() *sql.DB {
	return stdlib.OpenDBFromPool(s.pool)
}

const callColumns = `id, call_sid, direction, status, from_number, to_number, started_at, updated_at, ended_at, end_reason, metadata`

func scanCall(row pgx.Row) (calls.Call, error) {
	var (
		c         calls.Call
		direction string
		status    string
		metadata  map[string]string
	)
	if err := row.Scan(&c.ID, &c.CallSID, &direction, &status, &c.From, &c.To, &c.StartedAt, &c.UpdatedAt, &c.EndedAt, &c.EndReason, &metadata); err != nil {
		return calls.Call{}, err
	}
	c.Direction = calls.Direction(direction)
	c.Status = calls.Status(status)
	if len(metadata) > 0 {
		c.Metadata = metadata
	}
	return c, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, call calls.Call) error {
	metadata := call.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (`+callColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		call.ID, call.CallSID, string(call.Direction), string(call.Status), call.From, call.To,
		call.StartedAt, call.UpdatedAt, call.EndedAt, call.EndReason, metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: call %s", calls.ErrAlreadyExists, call.ID)
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (calls.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id=$1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Call{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, callID)
		}
		return calls.Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetCallBySID(ctx context.Context, callSID string) (calls.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid=$1 AND call_sid <> ''`, callSID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Call{}, fmt.Errorf("%w: call sid %s", calls.ErrNotFound, callSID)
		}
		return calls.Call{}, fmt.Errorf("get call by sid: %w", err)
	}
	return c, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateStatus(ctx context.Context, q querier, u StatusUpdate) (calls.Call, error) {
	var endedAt *time.Time
	endReason := ""
	if u.To.Terminal() {
		at := u.At
		endedAt = &at
		endReason = u.Reason
	}
	c, err := scanCall(q.QueryRow(ctx,
		`UPDATE calls SET status=$3, updated_at=$4, ended_at=$5,
		        end_reason=CASE WHEN $5::timestamptz IS NULL THEN end_reason ELSE $6 END
		  WHERE id=$1 AND status=$2
		  RETURNING `+callColumns,
		u.CallID, string(u.From), string(u.To), u.At, endedAt, endReason,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return calls.Call{}, fmt.Errorf("update call status: %w", err)
	}
	current, getErr := scanCall(q.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id=$1`, u.CallID))
	if getErr != nil {
		if errors.Is(getErr, pgx.ErrNoRows) {
			return calls.Call{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, u.CallID)
		}
		return calls.Call{}, fmt.Errorf("reload call: %w", getErr)
	}
	return current, calls.ErrStaleStatus
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, u StatusUpdate) (calls.Call, error) {
	return updateStatus(ctx, s.pool, u)
}

func (s *PostgresStore) ListCallsByStatus(ctx context.Context, statuses []calls.Status, startedBefore time.Time, limit int) ([]calls.Call, error) {
	if limit <= 0 {
		limit = 500
	}
	if startedBefore.IsZero() {
		startedBefore = time.Now().UTC().Add(time.Hour)
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls
		  WHERE status = ANY($1) AND started_at < $2
		  ORDER BY started_at ASC LIMIT $3`,
		names, startedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls by status: %w", err)
	}
	return collectCalls(rows)
}

func (s *PostgresStore) ListUnscored(ctx context.Context, endedAfter time.Time, limit int) ([]calls.Call, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls c
		  WHERE c.status IN ('completed', 'failed') AND c.ended_at >= $1
		    AND EXISTS (SELECT 1 FROM interactions i WHERE i.call_id = c.id)
		    AND NOT EXISTS (SELECT 1 FROM qa_scores q WHERE q.call_id = c.id)
		  ORDER BY c.ended_at ASC LIMIT $2`,
		endedAfter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unscored calls: %w", err)
	}
	return collectCalls(rows)
}

func collectCalls(rows pgx.Rows) ([]calls.Call, error) {
	defer rows.Close()
	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendInteraction(ctx context.Context, in calls.Interaction) (calls.Interaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return calls.Interaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM calls WHERE id=$1 FOR UPDATE`, in.CallID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Interaction{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, in.CallID)
		}
		return calls.Interaction{}, fmt.Errorf("lock call: %w", err)
	}

	var (
		lastSeq int
		lastAt  *time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM interactions WHERE call_id=$1`,
		in.CallID,
	).Scan(&lastSeq, &lastAt); err != nil {
		return calls.Interaction{}, fmt.Errorf("read last interaction: %w", err)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Seq = lastSeq + 1
	if lastAt != nil && in.CreatedAt.Before(*lastAt) {
		in.CreatedAt = *lastAt
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO interactions (id, call_id, seq, speaker, text, audio_ref, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		in.ID, in.CallID, in.Seq, string(in.Speaker), in.Text, in.AudioRef, in.CreatedAt,
	); err != nil {
		return calls.Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return calls.Interaction{}, fmt.Errorf("commit tx: %w", err)
	}
	return in, nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, callID string) ([]calls.Interaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, seq, speaker, text, audio_ref, created_at
		   FROM interactions WHERE call_id=$1 ORDER BY seq ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []calls.Interaction
	for rows.Next() {
		var (
			in      calls.Interaction
			speaker string
		)
		if err := rows.Scan(&in.ID, &in.CallID, &in.Seq, &speaker, &in.Text, &in.AudioRef, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Speaker = calls.Speaker(speaker)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveQAScore(ctx context.Context, score calls.QAScore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO qa_scores (
			id, call_id, overall, sentiment, compliance, accuracy, professionalism,
			sentiment_avg, sentiment_label, flags, compliance_issues, turn_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		score.ID, score.CallID, score.Overall, score.Sentiment, score.Compliance, score.Accuracy, score.Professionalism,
		score.SentimentAvg, string(score.SentimentLabel), nonNil(score.Flags), nonNil(score.ComplianceIssues),
		score.TurnCount, score.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert qa score: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestQAScore(ctx context.Context, callID string) (calls.QAScore, error) {
	var (
		sc    calls.QAScore
		label string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, call_id, overall, sentiment, compliance, accuracy, professionalism,
		        sentiment_avg, sentiment_label, flags, compliance_issues, turn_count, created_at
		   FROM qa_scores WHERE call_id=$1 ORDER BY created_at DESC LIMIT 1`,
		callID,
	).Scan(&sc.ID, &sc.CallID, &sc.Overall, &sc.Sentiment, &sc.Compliance, &sc.Accuracy, &sc.Professionalism,
		&sc.SentimentAvg, &label, &sc.Flags, &sc.ComplianceIssues, &sc.TurnCount, &sc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.QAScore{}, fmt.Errorf("%w: qa score for call %s", calls.ErrNotFound, callID)
		}
		return calls.QAScore{}, fmt.Errorf("get qa score: %w", err)
	}
	sc.SentimentLabel = calls.SentimentLabel(label)
	return sc, nil
}

const agentColumns = `id, name, phone, active, available, created_at`

func scanAgent(row pgx.Row) (calls.Agent, error) {
	var a calls.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Phone, &a.Active, &a.Available, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent calls.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		agent.ID, agent.Name, agent.Phone, agent.Active, agent.Available, agent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: agent %s", calls.ErrAlreadyExists, agent.ID)
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (calls.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Agent{}, fmt.Errorf("%w: agent %s", calls.ErrNotFound, agentID)
		}
		return calls.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]calls.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []calls.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// OpenEscalation locks the call row first so concurrent escalations for the
// same call serialize on it; the loser observes the escalated status and
// fails without touching any agent.
func (s *PostgresStore) OpenEscalation(ctx context.Context, req OpenEscalationRequest) (EscalationResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return EscalationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM calls WHERE id=$1 FOR UPDATE`, req.CallID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EscalationResult{}, fmt.Errorf("%w: call %s", calls.ErrNotFound, req.CallID)
		}
		return EscalationResult{}, fmt.Errorf("lock call: %w", err)
	}
	if calls.Status(status) != calls.StatusInProgress {
		return EscalationResult{}, calls.InvalidTransition("call", status, calls.StatusEscalated)
	}

	var agent calls.Agent
	if req.AgentID != nil {
		agent, err = scanAgent(tx.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE id=$1 FOR UPDATE`, *req.AgentID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return EscalationResult{}, fmt.Errorf("lock agent: %w", err)
		}
		if err != nil || !agent.Active || !agent.Available {
			return EscalationResult{}, fmt.Errorf("%w: agent %s is not active and available", calls.ErrNoAgentAvailable, *req.AgentID)
		}
	} else {
		agent, err = scanAgent(tx.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents
			  WHERE active AND available
			  ORDER BY created_at ASC, id ASC
			  LIMIT 1 FOR UPDATE SKIP LOCKED`))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return EscalationResult{}, calls.ErrNoAgentAvailable
			}
			return EscalationResult{}, fmt.Errorf("select agent: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE agents SET available=FALSE WHERE id=$1`, agent.ID); err != nil {
		return EscalationResult{}, fmt.Errorf("reserve agent: %w", err)
	}
	agent.Available = false

	agentID := agent.ID
	esc := calls.Escalation{
		ID:          req.EscalationID,
		CallID:      req.CallID,
		Status:      calls.EscalationPending,
		Trigger:     req.Trigger,
		AgentID:     &agentID,
		Reason:      req.Reason,
		RequestedAt: req.At,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO escalations (id, call_id, status, trigger_type, agent_id, reason, requested_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		esc.ID, esc.CallID, string(esc.Status), string(esc.Trigger), agentID, esc.Reason, esc.RequestedAt,
	); err != nil {
		return EscalationResult{}, fmt.Errorf("insert escalation: %w", err)
	}

	call, err := updateStatus(ctx, tx, StatusUpdate{
		CallID: req.CallID,
		From:   calls.StatusInProgress,
		To:     calls.StatusEscalated,
		Reason: req.Reason,
		At:     req.At,
	})
	if err != nil {
		return EscalationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return EscalationResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return EscalationResult{Escalation: esc, Call: call, Agent: agent}, nil
}

const escalationColumns = `id, call_id, status, trigger_type, agent_id, reason, requested_at, accepted_at, completed_at`

func scanEscalation(row pgx.Row) (calls.Escalation, error) {
	var (
		e       calls.Escalation
		status  string
		trigger string
	)
	err := row.Scan(&e.ID, &e.CallID, &status, &trigger, &e.AgentID, &e.Reason, &e.RequestedAt, &e.AcceptedAt, &e.CompletedAt)
	e.Status = calls.EscalationStatus(status)
	e.Trigger = calls.TriggerType(trigger)
	return e, err
}

func (s *PostgresStore) GetEscalation(ctx context.Context, escalationID string) (calls.Escalation, error) {
	e, err := scanEscalation(s.pool.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=$1`, escalationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Escalation{}, fmt.Errorf("%w: escalation %s", calls.ErrNotFound, escalationID)
		}
		return calls.Escalation{}, fmt.Errorf("get escalation: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ActiveEscalationForCall(ctx context.Context, callID string) (calls.Escalation, error) {
	e, err := scanEscalation(s.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		  WHERE call_id=$1 AND status IN ('pending', 'in_progress')
		  ORDER BY requested_at DESC LIMIT 1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Escalation{}, fmt.Errorf("%w: open escalation for call %s", calls.ErrNotFound, callID)
		}
		return calls.Escalation{}, fmt.Errorf("get open escalation: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEscalation(ctx context.Context, u EscalationUpdate) (calls.Escalation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return calls.Escalation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEscalation(tx.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=$1 FOR UPDATE`, u.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calls.Escalation{}, fmt.Errorf("%w: escalation %s", calls.ErrNotFound, u.ID)
		}
		return calls.Escalation{}, fmt.Errorf("lock escalation: %w", err)
	}
	if !statusIn(e.Status, u.From) {
		return calls.Escalation{}, calls.InvalidTransition("escalation", e.Status, u.To)
	}
	applyEscalationTimestamps(&e, u.To, u.At)

	if _, err := tx.Exec(ctx,
		`UPDATE escalations SET status=$2, accepted_at=$3, completed_at=$4 WHERE id=$1`,
		e.ID, string(e.Status), e.AcceptedAt, e.CompletedAt,
	); err != nil {
		return calls.Escalation{}, fmt.Errorf("update escalation: %w", err)
	}
	if u.ReleaseAgent && e.AgentID != nil {
		if _, err := tx.Exec(ctx, `UPDATE agents SET available=TRUE WHERE id=$1`, *e.AgentID); err != nil {
			return calls.Escalation{}, fmt.Errorf("release agent: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return calls.Escalation{}, fmt.Errorf("commit tx: %w", err)
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
