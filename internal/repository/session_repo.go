package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// ErrStaleStatus is returned when a session is no longer in the status an update expected.
var ErrStaleStatus = errors.New("session status changed concurrently")

// ErrOpenSession is returned when the user and expert already share a pending or active session.
var ErrOpenSession = errors.New("user and expert already have an open session")

const mysqlDuplicateEntry = 1062

// CallSessionRepository persistance interface for call sessions.
type CallSessionRepository interface {
	Save(ctx context.Context, session models.CallSession) error
	Find(ctx context.Context, id string) (models.CallSession, error)
	FindOpen(ctx context.Context, userID, expertID string) ([]models.CallSession, error)
	UpdateStatus(ctx context.Context, id, from, to string, update models.SessionUpdate) error
}

// NewCallSessionRepository creates a new SQL CallSessionRepository.
func NewCallSessionRepository(db *sql.DB) CallSessionRepository {
	return &sessionRepo{
		db: db,
	}
}

type sessionRepo struct {
	db *sql.DB
}

const insertSessionQuery = `
	INSERT INTO call_session(
			id,
			expert_id,
			user_id,
			category,
			channel_name,
			call_type,
			status,
			relay_server,
			currency,
			rate,
			start_time,
			end_time,
			duration,
			cost,
			open_pair,
			created_at,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *sessionRepo) Save(ctx context.Context, s models.CallSession) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_save")
	defer span.Finish()

	_, err := r.db.ExecContext(
		ctx,
		insertSessionQuery,
		s.ID,
		s.ExpertID,
		s.UserID,
		s.Category,
		s.ChannelName,
		s.CallType,
		s.Status,
		s.RelayServer,
		s.Currency,
		s.Rate,
		s.StartTime,
		s.EndTime,
		s.Duration,
		s.Cost,
		openPair(s.UserID, s.ExpertID, s.Status),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if isOpenPairViolation(err) {
		err = fmt.Errorf("call_session(userId=%s, expertId=%s) %w", s.UserID, s.ExpertID, ErrOpenSession)
		span.LogFields(tracelog.Error(err))
		return err
	}
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const selectSessionQuery = `
	SELECT
		id,
		expert_id,
		user_id,
		category,
		channel_name,
		call_type,
		status,
		relay_server,
		currency,
		rate,
		start_time,
		end_time,
		duration,
		cost,
		rating,
		created_at,
		updated_at
	FROM call_session`

const findSessionQuery = selectSessionQuery + `
	WHERE
		id = ?`

func (r *sessionRepo) Find(ctx context.Context, id string) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find")
	defer span.Finish()

	s, err := scanSession(r.db.QueryRowContext(ctx, findSessionQuery, id))
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	return s, nil
}

const findOpenSessionsQuery = selectSessionQuery + `
	WHERE
		user_id = ?
		AND expert_id = ?
		AND status IN (?, ?)
	ORDER BY created_at DESC`

func (r *sessionRepo) FindOpen(ctx context.Context, userID, expertID string) ([]models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find_open")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, findOpenSessionsQuery, userID, expertID, models.StatusPending, models.StatusActive)
	if err != nil {
		err = fmt.Errorf("failed to query for open sessions %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	sessions := make([]models.CallSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			err = fmt.Errorf("failed to scan call session %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		sessions = append(sessions, s)
	}

	err = rows.Err()
	if err != nil {
		err = fmt.Errorf("failed to iterate over open sessions %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return sessions, nil
}

const updateStatusQuery = `
	UPDATE call_session
	SET
		status = ?,
		start_time = COALESCE(?, start_time),
		end_time = COALESCE(?, end_time),
		duration = COALESCE(?, duration),
		cost = COALESCE(?, cost),
		open_pair = CASE WHEN ? IN (?, ?) THEN open_pair ELSE NULL END,
		updated_at = ?
	WHERE
		id = ?
		AND status = ?`

func (r *sessionRepo) UpdateStatus(ctx context.Context, id, from, to string, u models.SessionUpdate) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_update_status")
	defer span.Finish()

	res, err := r.db.ExecContext(
		ctx,
		updateStatusQuery,
		to,
		u.StartTime,
		u.EndTime,
		u.Duration,
		u.Cost,
		to,
		models.StatusPending,
		models.StatusActive,
		getNow(),
		id,
		from,
	)
	if err != nil {
		err = fmt.Errorf("failed to update call session. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to read affected rows. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("call_session(id=%s, status=%s) %w", id, from, ErrStaleStatus)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (models.CallSession, error) {
	var s models.CallSession
	var startTime, endTime sql.NullTime
	var rating sql.NullInt64

	err := row.Scan(
		&s.ID,
		&s.ExpertID,
		&s.UserID,
		&s.Category,
		&s.ChannelName,
		&s.CallType,
		&s.Status,
		&s.RelayServer,
		&s.Currency,
		&s.Rate,
		&startTime,
		&endTime,
		&s.Duration,
		&s.Cost,
		&rating,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return models.CallSession{}, err
	}

	if startTime.Valid {
		t := startTime.Time
		s.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		s.EndTime = &t
	}
	if rating.Valid {
		v := int(rating.Int64)
		s.Rating = &v
	}

	return s, nil
}

// openPair is set on pending and active rows only. The unique index on it
// allows a single open session per user and expert.
func openPair(userID, expertID, status string) sql.NullString {
	if models.IsTerminal(status) {
		return sql.NullString{}
	}

	return sql.NullString{String: userID + ":" + expertID, Valid: true}
}

func isOpenPairViolation(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number != mysqlDuplicateEntry {
		return false
	}

	return strings.Contains(err.Error(), "open_pair")
}

func getNow() time.Time {
	return time.Now().UTC()
}
