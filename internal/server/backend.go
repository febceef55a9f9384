package server

import "context"

// JobSummary is the admin-facing projection of a jobticket.Ticket —
// enough to render a queue listing without internal/server importing
// internal/jobticket's wire-encoding concerns directly.
type JobSummary struct {
	Number   int
	Identifier string
	FromHost string
	Logname  string
	Held     bool
	Removing bool
	Done     bool
	Error    string
	Attempt  int
}

// Backend is the subset of cmd/lpspoold's queue registry the admin API
// needs. It lives here (not in cmd/lpspoold) so internal/server has no
// dependency on the daemon entrypoint; cmd/lpspoold's registry type
// satisfies it structurally.
type Backend interface {
	QueueNames(ctx context.Context) ([]string, error)
	QueueStatus(ctx context.Context, name string, long bool) (string, error)
	Jobs(ctx context.Context, name string) ([]JobSummary, error)
	HoldJob(ctx context.Context, name string, number int) error
	ReleaseJob(ctx context.Context, name string, number int) error
	RemoveJob(ctx context.Context, name string, number int) error
	StartQueue(ctx context.Context, name string) error
	LogPath(name string) string
}
