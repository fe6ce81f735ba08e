package minutes

import (
	"context"
	"sync/atomic"
)

// Fake is a scripted Generator for tests and dry runs.
type Fake struct {
	Fn    func(ctx context.Context, transcript string) (*Minutes, error)
	calls atomic.Int64
}

// Summarize invokes Fn, or returns minutes echoing the transcript.
func (f *Fake) Summarize(ctx context.Context, transcript string) (*Minutes, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Fn != nil {
		return f.Fn(ctx, transcript)
	}
	return &Minutes{Raw: transcript}, nil
}

// Calls returns how many times Summarize ran.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

func (f *Fake) Name() string { return "fake" }
