package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/upb/tenant-auth/repositories"
)

const (
	uniqueViolation = pq.ErrorCode("23505")
	// Class 22 covers data exceptions: string_data_right_truncation,
	// invalid_text_representation, numeric_value_out_of_range and the like.
	dataExceptionClass = pq.ErrorClass("22")
)

// mapError translates driver errors into repository sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, repositories.ErrDuplicate, pqErr.Constraint)
		case pqErr.Code.Class() == dataExceptionClass:
			return fmt.Errorf("%s: %w: %s", op, repositories.ErrInvalidData, pqErr.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, repositories.ErrNotFound)
}

func checkAffected(op string, result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, repositories.ErrNotFound)
	}
	return nil
}
