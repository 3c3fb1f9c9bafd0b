package flat

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Exec runs a rendered statement. An update that matched no row falls
// through to its insert.
func Exec(ctx context.Context, db Execer, st Statement) error {
	if st.SQL == "" {
		return nil
	}
	res, err := db.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return err
	}
	if st.Insert == nil {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, st.Insert.SQL, st.Insert.Args...)
	return err
}
