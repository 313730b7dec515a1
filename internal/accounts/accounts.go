// Package accounts imports worker credentials from colon separated lists.
package accounts

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
)

// Entry is one parsed line: the account and an optional pre-seeded session.
type Entry struct {
	Account watch.WorkerAccount
	Session string
	Line    int
}

// Result summarizes an import.
type Result struct {
	Added   []string
	Skipped []string
	Seeded  int
}

func (r Result) String() string {
	return fmt.Sprintf("added %d, skipped %d existing, seeded %d sessions", len(r.Added), len(r.Skipped), r.Seeded)
}

// Parse reads lines of the form
//
//	username:password:email:token:secret[:session]
//
// Trailing fields may be empty or omitted. The session is everything after
// the fifth colon, so it may itself contain colons. Blank lines, banner
// lines starting with "=" and lines carrying a URL are skipped, as are lines
// without a username.
func Parse(r io.Reader, owner string) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if skip(line) {
			continue
		}
		parts := strings.SplitN(line, ":", 6)
		username := strings.TrimSpace(parts[0])
		if username == "" {
			logutil.Warnf("accounts: line %d has no username", n)
			continue
		}
		field := func(i int) string {
			if i < len(parts) {
				return strings.TrimSpace(parts[i])
			}
			return ""
		}
		out = append(out, Entry{
			Line: n,
			Account: watch.WorkerAccount{
				Username: username,
				Owner:    owner,
				Credentials: watch.Credentials{
					Password: field(1),
					Email:    field(2),
					Token:    field(3),
					Secret:   field(4),
				},
				Health: watch.HealthUnknown,
			},
			Session: field(5),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	return out, nil
}

func skip(line string) bool {
	return line == "" ||
		strings.HasPrefix(line, "=") ||
		strings.HasPrefix(line, "#") ||
		strings.Contains(line, "https://") ||
		!strings.Contains(line, ":")
}

// Import stores entries whose username is not yet known for their owner and
// seeds their sessions into the cache. Duplicates within entries keep the
// first occurrence.
func Import(ctx context.Context, accounts store.AccountStore, sessions store.SessionStore, entries []Entry) (Result, error) {
	var res Result
	known := make(map[string]map[string]bool)

	for _, e := range entries {
		owner := e.Account.Owner
		if known[owner] == nil {
			existing, err := accounts.ListAccounts(ctx, owner)
			if err != nil {
				return res, fmt.Errorf("list accounts for %s: %w", owner, err)
			}
			known[owner] = make(map[string]bool, len(existing))
			for _, a := range existing {
				known[owner][a.Username] = true
			}
		}
		if known[owner][e.Account.Username] {
			res.Skipped = append(res.Skipped, e.Account.Username)
			continue
		}
		if err := accounts.SaveAccount(ctx, e.Account); err != nil {
			return res, fmt.Errorf("save account %s: %w", e.Account.Key(), err)
		}
		known[owner][e.Account.Username] = true
		res.Added = append(res.Added, e.Account.Username)

		if e.Session != "" && sessions != nil {
			if err := sessions.Put(ctx, e.Account.Key(), e.Session); err != nil {
				return res, fmt.Errorf("seed session %s: %w", e.Account.Key(), err)
			}
			res.Seeded++
		}
		logutil.Debugf("accounts: imported %s", e.Account.Key())
	}
	return res, nil
}
