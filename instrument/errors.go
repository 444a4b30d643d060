package instrument

import (
	"fmt"
	"strconv"
)

// Error is an entry of the SCPI error/event queue.
type Error struct {
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%d,%s", e.Code, strconv.Quote(e.Message))
}

// Standard SCPI errors (SCPI 1999 section 21.8).
var (
	ErrNone                = Error{0, "No error"}
	ErrCommand             = Error{-100, "Command error"}
	ErrSyntax              = Error{-102, "Syntax error"}
	ErrDataType            = Error{-104, "Data type error"}
	ErrParameterNotAllowed = Error{-108, "Parameter not allowed"}
	ErrMissingParameter    = Error{-109, "Missing parameter"}
	ErrUndefinedHeader     = Error{-113, "Undefined header"}
	ErrDataOutOfRange      = Error{-222, "Data out of range"}
	ErrQueueOverflow       = Error{-350, "Queue overflow"}
	ErrQueryInterrupted    = Error{-410, "Query INTERRUPTED"}
)

// esrBit returns the standard event bit an error class sets.
func (e Error) esrBit() byte {
	switch {
	case e.Code <= -100 && e.Code > -200:
		return EsrCME
	case e.Code <= -200 && e.Code > -300:
		return EsrEXE
	case e.Code <= -300 && e.Code > -400:
		return EsrDDE
	case e.Code <= -400 && e.Code > -500:
		return EsrQYE
	default:
		return 0
	}
}

// DefaultErrorQueueLength is the error queue capacity.
const DefaultErrorQueueLength = 16

// errorQueue is a bounded FIFO. On overflow the newest entry is replaced
// with ErrQueueOverflow.
type errorQueue struct {
	entries []Error
	limit   int
}

func (q *errorQueue) push(e Error) {
	switch {
	case len(q.entries) < q.limit:
		q.entries = append(q.entries, e)
	case q.entries[len(q.entries)-1] != ErrQueueOverflow:
		q.entries[len(q.entries)-1] = ErrQueueOverflow
	}
}

func (q *errorQueue) pop() Error {
	if len(q.entries) == 0 {
		return ErrNone
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}

func (q *errorQueue) len() int { return len(q.entries) }

func (q *errorQueue) clear() { q.entries = q.entries[:0] }
