package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetCourseByID retrieves a course by ID
func (s *Store) GetCourseByID(ctx context.Context, id int64) (*models.Course, error) {
	var course models.Course
	err := s.db.GetContext(ctx, &course, "SELECT * FROM courses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("course not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// GetCoursesByIDs retrieves multiple courses by IDs
func (s *Store) GetCoursesByIDs(ctx context.Context, ids []int64) ([]models.Course, error) {
	if len(ids) == 0 {
		return []models.Course{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM courses WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var courses []models.Course
	err = s.db.SelectContext(ctx, &courses, query, args...)
	return courses, err
}

// GrantEnrollment creates an enrollment for a completed purchase. The
// unique (user_id, course_id) index absorbs repeats, so granting twice
// is a no-op; the bool reports whether a new row was created.
func (s *Store) GrantEnrollment(ctx context.Context, userID, courseID, purchaseID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, purchase_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, course_id) DO NOTHING`,
		userID, courseID, purchaseID)
	if err != nil {
		return false, fmt.Errorf("failed to grant enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasEnrollment checks whether a user already has access to a course
func (s *Store) HasEnrollment(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM enrollments WHERE user_id = $1 AND course_id = $2)",
		userID, courseID)
	return exists, err
}

// GetEnrolledCourseIDs returns the subset of courseIDs the user already
// owns, either through an enrollment or a completed purchase.
func (s *Store) GetEnrolledCourseIDs(ctx context.Context, userID int64, courseIDs []int64) ([]int64, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT DISTINCT course_id FROM enrollments WHERE user_id = ? AND course_id IN (?)
		UNION
		SELECT DISTINCT course_id FROM purchases WHERE user_id = ? AND status = 'completed' AND course_id IN (?)`,
		userID, courseIDs, userID, courseIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var owned []int64
	err = s.db.SelectContext(ctx, &owned, query, args...)
	return owned, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
