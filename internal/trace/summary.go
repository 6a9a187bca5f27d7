package trace

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoSession is returned by Summarize if the database holds no matching
// session.
var ErrNoSession = errors.New("no such trace session")

// Summary aggregates the events of one session.
type Summary struct {
	Session string
	Label   string

	Switches   int
	Faults     int
	Unresolved int

	// Syscalls counts calls by name.
	Syscalls map[string]int
}

// Summarize reads the summary of session from the database at path. An
// empty session selects the most recent one.
func Summarize(path, session string) (*Summary, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	s := &Summary{Session: session, Syscalls: make(map[string]int)}

	row := db.QueryRow(`SELECT session, label FROM sessions WHERE session = ?`, session)
	if session == "" {
		// xids sort by creation time
		row = db.QueryRow(`SELECT session, label FROM sessions ORDER BY session DESC LIMIT 1`)
	}
	var label sql.NullString
	switch err = row.Scan(&s.Session, &label); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %q", ErrNoSession, session)
	case err != nil:
		return nil, err
	}
	s.Label = label.String

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM switches WHERE session = ?`, &s.Switches},
		{`SELECT COUNT(*) FROM faults WHERE session = ?`, &s.Faults},
		{`SELECT COUNT(*) FROM faults WHERE session = ? AND NOT resolved`, &s.Unresolved},
	}
	for _, c := range counts {
		if err = db.QueryRow(c.query, s.Session).Scan(c.dst); err != nil {
			return nil, err
		}
	}

	rows, err := db.Query(`SELECT name, COUNT(*) FROM syscalls WHERE session = ? GROUP BY name`, s.Session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name  string
			count int
		)
		if err = rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		s.Syscalls[name] = count
	}
	return s, rows.Err()
}
