// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strconv"
	"time"
)

const (
	dateLayout = "2006-01-02"

	localDateTimeLayout        = "2006-01-02T15:04:05"
	localDateTimeMinutesLayout = "2006-01-02T15:04"
)

// ParseID разбирает положительный целочисленный идентификатор (ферма, слот, пользователь).
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if err := CheckID(id); err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// CheckID проверяет уже декодированный идентификатор, например из тела JSON.
func CheckID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("id %d: must be positive", id)
	}
	return nil
}

// ParseLocalDateTime разбирает локальную дату-время в формате ISO-8601,
// с секундами или без них.
func ParseLocalDateTime(s string) (time.Time, error) {
	if t, err := time.Parse(localDateTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(localDateTimeMinutesLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q", s)
	}
	return t, nil
}

// ParseDate разбирает календарную дату в формате YYYY-MM-DD.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}
