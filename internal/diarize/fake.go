package diarize

import (
	"context"
	"sync"
)

// Fake is a scripted Provider for tests and dry runs.
type Fake struct {
	Fn func(ctx context.Context, req Request, attempt int) (*Response, error)

	mu    sync.Mutex
	calls map[string]int
}

// Diarize invokes Fn with the 1-based attempt number for req.AudioPath.
func (f *Fake) Diarize(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.AudioPath]++
	attempt := f.calls[req.AudioPath]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Fn == nil {
		return &Response{}, nil
	}
	return f.Fn(ctx, req, attempt)
}

// Calls returns how many times audioPath was diarized.
func (f *Fake) Calls(audioPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[audioPath]
}

func (f *Fake) Name() string { return "fake" }
