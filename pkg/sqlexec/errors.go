package sqlexec

import (
	"errors"
	"strconv"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// BandWidth is the size of the reserved error band.
const BandWidth = 1000

// sqlServerError matches go-mssqldb errors without depending on the concrete type.
type sqlServerError interface {
	SQLErrorNumber() int32
	SQLErrorMessage() string
}

// ErrorCode extracts the numeric code and message a database raised, for the
// drivers that report one. PostgreSQL SQLSTATEs are numeric only when the
// query raised a custom five digit state; "PTnnn" states report nnn directly
// as a status and are returned with isStatus set.
func ErrorCode(err error) (code int, message string, isStatus, ok bool) {
	var ms sqlServerError
	if errors.As(err, &ms) {
		return int(ms.SQLErrorNumber()), ms.SQLErrorMessage(), false, true
	}

	var my *mysql.MySQLError
	if errors.As(err, &my) {
		return int(my.Number), my.Message, false, true
	}

	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return sqlstate(pg.Code, pg.Message)
	}

	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return sqlstate(string(pqe.Code), pqe.Message)
	}
	return 0, "", false, false
}

func sqlstate(state, message string) (int, string, bool, bool) {
	if rest, found := strings.CutPrefix(state, "PT"); found {
		n, err := strconv.Atoi(rest)
		return n, message, true, err == nil
	}
	n, err := strconv.Atoi(state)
	return n, message, false, err == nil
}

// DomainCoder returns a classifier for the band [base, base+BandWidth):
// the HTTP status is code - base and must fall within 100..599.
func DomainCoder(base int) apperr.DomainCoder {
	return func(err error) (int, string, bool) {
		code, msg, isStatus, ok := ErrorCode(err)
		if !ok {
			return 0, "", false
		}
		status := code
		if !isStatus {
			if code < base || code >= base+BandWidth {
				return 0, "", false
			}
			status = code - base
		}
		if status < 100 || status > 599 {
			return 0, "", false
		}
		return status, msg, true
	}
}
