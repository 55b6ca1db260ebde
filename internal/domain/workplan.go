package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWorkplanNotFound = errors.New("workplan not found")
	ErrWorkplanConflict = errors.New("workplan with this name and worktime already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Status is the closed set of lifecycle states a Workplan moves through.
type Status string

const (
	StatusAdd        Status = "ADD"
	StatusQueue      Status = "QUEUE"
	StatusRun        Status = "RUN"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusFatalError Status = "FATAL_ERROR"
)

// ValidStatuses is the closed status set, used to validate a caller-supplied
// status_trigger before it is compiled into a query.
var ValidStatuses = map[Status]bool{
	StatusAdd:        true,
	StatusQueue:      true,
	StatusRun:        true,
	StatusSuccess:    true,
	StatusError:      true,
	StatusFatalError: true,
}

// ErrorStatuses are retryable failures.
var ErrorStatuses = map[Status]bool{StatusError: true}

// RunStatuses are in-flight states; candidates for "lost" on restart.
var RunStatuses = map[Status]bool{StatusQueue: true, StatusRun: true}

// TerminalStatuses never transition on their own.
var TerminalStatuses = map[Status]bool{StatusSuccess: true, StatusFatalError: true}

// JSONData is the Go side of the jsonb data column. It implements
// driver.Valuer/sql.Scanner so the postgres adapter can round-trip it
// without an ORM.
type JSONData map[string]any

func (d JSONData) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}

func (d *JSONData) Scan(src any) error {
	if src == nil {
		*d = JSONData{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain: unsupported Scan source %T for JSONData", src)
	}
	m := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}
	*d = m
	return nil
}

// Workplan is one scheduled slot of one named job at one instant.
type Workplan struct {
	ID          uuid.UUID
	Name        string
	WorktimeUTC time.Time
	Status      Status
	Hash        string
	Retries     int
	Info        *string
	Data        JSONData
	Duration    *int
	ExpiresUTC  *time.Time
	StartedUTC  *time.Time
	FinishedUTC *time.Time
	CreatedUTC  time.Time
	UpdatedUTC  time.Time
}

// Expired reports whether the slot is unusable as of now (invariant 3.3.2).
func (w *Workplan) Expired(now time.Time) bool {
	return w.ExpiresUTC != nil && !w.ExpiresUTC.After(now)
}

// ForExecuted reports whether the slot belongs to the runnable set.
func (w *Workplan) ForExecuted(now time.Time) bool {
	return w.Status == StatusAdd && !w.Expired(now)
}
