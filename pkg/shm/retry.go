package shm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AttachWithRetry attaches opts.Name, retrying with b while the segment does
// not exist yet. Other errors end the retries. A nil b retries with
// exponential backoff until ctx is done.
func AttachWithRetry(ctx context.Context, opts OpenOptions, b backoff.BackOff) (*Segment, error) {
	opts.Mode = ModeAttach
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 10 * time.Millisecond
		eb.MaxInterval = time.Second
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.RetryWithData(func() (*Segment, error) {
		s, err := Open(ctx, opts)
		if err == nil || errors.Is(err, ErrNotFound) {
			return s, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
