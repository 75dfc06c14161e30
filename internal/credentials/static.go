package credentials

import (
	"context"
	"time"
)

// Static serves a fixed connection string configured by the operator. It
// never rotates, so its generation stays zero.
type Static struct {
	DSN string
}

func (s Static) ConnectionString(context.Context) (string, error) { return s.DSN, nil }

func (s Static) Lease(context.Context) (Lease, error) { return Lease{DSN: s.DSN}, nil }

func (Static) Generation() int64 { return 0 }

func (Static) ExpiresAt() time.Time { return time.Time{} }

func (Static) Invalidate() {}
