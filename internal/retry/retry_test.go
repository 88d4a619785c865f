package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/penpal/internal/retry"
)

var (
	errTransient = errors.New("connection reset")
	errFatal     = errors.New("bad request")
)

type recorder struct {
	sleeps []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return nil
}

func TestPolicyDo(t *testing.T) {
	cases := []struct {
		name         string
		results      []error
		expectedErr  error
		expectedCall int
		expectedWait []time.Duration
		retries      []int
	}{
		{
			name:         "success first try",
			results:      []error{nil},
			expectedCall: 1,
			expectedWait: []time.Duration{time.Second},
		},
		{
			name:         "transient then success",
			results:      []error{errTransient, errTransient, nil},
			expectedCall: 3,
			expectedWait: []time.Duration{
				time.Second, 10 * time.Second,
				time.Second, 20 * time.Second,
				time.Second,
			},
			retries: []int{1, 2},
		},
		{
			name:         "fatal is not retried",
			results:      []error{errFatal},
			expectedErr:  errFatal,
			expectedCall: 1,
			expectedWait: []time.Duration{time.Second},
		},
		{
			name:         "exhausted",
			results:      []error{errTransient, errTransient, errTransient},
			expectedErr:  errTransient,
			expectedCall: 3,
			expectedWait: []time.Duration{
				time.Second, 10 * time.Second,
				time.Second, 20 * time.Second,
				time.Second,
			},
			retries: []int{1, 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			var retried []int
			p := retry.Policy{
				Attempts:  3,
				Backoff:   retry.Linear(10 * time.Second),
				Retryable: func(err error) bool { return errors.Is(err, errTransient) },
				Pause:     func() time.Duration { return time.Second },
				OnRetry:   func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
				Sleep:     rec.sleep,
			}

			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				res := tc.results[calls]
				calls++
				return res
			})

			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.expectedCall, calls)
			assert.Equal(t, tc.expectedWait, rec.sleeps)
			assert.Equal(t, tc.retries, retried)
		})
	}
}

func TestPolicyDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := retry.Policy{
		Attempts: 5,
		Backoff:  retry.Linear(time.Hour),
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestBackoffs(t *testing.T) {
	lin := retry.Linear(150 * time.Second)
	assert.Equal(t, 150*time.Second, lin(1))
	assert.Equal(t, 450*time.Second, lin(3))

	exp := retry.Exponential(3 * time.Second)
	assert.Equal(t, 3*time.Second, exp(1))
	assert.Equal(t, 6*time.Second, exp(2))
	assert.Equal(t, 24*time.Second, exp(4))
}

func TestJitter(t *testing.T) {
	j := retry.Jitter(time.Second, time.Second)
	for range 100 {
		d := j()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
	assert.Equal(t, time.Second, retry.Jitter(time.Second, 0)())
}

func TestSleep(t *testing.T) {
	require.NoError(t, retry.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, retry.Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, retry.Sleep(ctx, 0), context.Canceled)
}
