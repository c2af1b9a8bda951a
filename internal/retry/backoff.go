package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Class is the failure classification driving retry behavior.
type Class int

const (
	// ClassTransient: infrastructure hiccups worth retrying. The offset is
	// withheld and the partition stalls rather than skipping a message.
	ClassTransient Class = iota
	// ClassPermanent: the payload can never be persisted (integrity
	// violation unrelated to deduplication, decode failure). Not retried.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// MySQL errnos that signal an integrity problem with the payload itself.
// 1062 here is a uniqueness violation on a *business* key (the dedup key's
// 1062 is converted to a duplicate outcome before classification runs).
var permanentMySQLErrnos = map[uint16]bool{
	1048: true, // column cannot be null
	1062: true, // duplicate entry (non-dedup key)
	1264: true, // out of range value
	1366: true, // incorrect value for column
	1406: true, // data too long
	1452: true, // foreign key constraint fails
	3819: true, // check constraint violated
}

// Transient server-side errnos: lock churn and connection pressure.
// Client-side CR_* codes (2002, 2006, 2013, ...) never arrive as
// *mysql.MySQLError from go-sql-driver; those failures surface as
// ErrInvalidConn/ErrBadConn and are handled below.
var transientMySQLErrnos = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock found
}

// Classify maps an error to a retry class. It never inspects payload
// content, only the error shape. Unknown errors classify as transient:
// stalling a partition is recoverable, skipping a message is not.
func Classify(err error) Class {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch {
		case permanentMySQLErrnos[me.Number]:
			return ClassPermanent
		case transientMySQLErrnos[me.Number]:
			return ClassTransient
		}
		return ClassTransient
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return ClassTransient
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}

	return ClassTransient
}

// Policy is a pure function of (attempt count) -> delay. Exponential from
// Base, capped at Max, with up to 50% random jitter. MaxAttempts == 0
// means unbounded retries.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// jitter in [0, d/2) so concurrent consumers don't retry in lockstep
	if d > 1 {
		d += time.Duration(rand.Int64N(int64(d) / 2))
	}
	if d > max {
		d = max
	}
	return d
}

// Exhausted reports whether the attempt budget is spent. Unbounded
// policies never exhaust.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
