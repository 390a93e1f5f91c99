package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

type fakeAudit struct {
	replays   atomic.Int32
	purges    atomic.Int32
	replayErr error
}

func (f *fakeAudit) ReplayDeadLetters(ctx context.Context) (int, error) {
	f.replays.Add(1)
	return 0, f.replayErr
}

func (f *fakeAudit) PurgeExpired(ctx context.Context) (int64, error) {
	f.purges.Add(1)
	return 0, nil
}

func TestNew_Schedules(t *testing.T) {
	tests := []struct {
		name      string
		schedules Schedules
		wantJobs  []string
		wantErr   bool
	}{
		{
			name:      "both jobs",
			schedules: Schedules{ReplayDeadLetters: "@every 5m", PurgeExpired: "@daily"},
			wantJobs:  []string{JobReplayDeadLetters, JobPurgeExpired},
		},
		{
			name:      "empty schedule disables",
			schedules: Schedules{PurgeExpired: "0 3 * * *"},
			wantJobs:  []string{JobPurgeExpired},
		},
		{
			name:      "nothing scheduled",
			schedules: Schedules{},
			wantJobs:  []string{},
		},
		{
			name:      "invalid schedule",
			schedules: Schedules{ReplayDeadLetters: "every five minutes"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&fakeAudit{}, tt.schedules, logger.Nop())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.wantJobs, s.Jobs())
		})
	}
}

func TestJobsCallRecorder(t *testing.T) {
	audit := &fakeAudit{}
	s, err := New(audit, Schedules{}, logger.Nop())
	require.NoError(t, err)

	s.RunJob(JobReplayDeadLetters, s.replayDeadLetters)
	s.RunJob(JobPurgeExpired, s.purgeExpired)
	s.RunJob(JobPurgeExpired, s.purgeExpired)

	assert.EqualValues(t, 1, audit.replays.Load())
	assert.EqualValues(t, 2, audit.purges.Load())
}

func TestRunJob_FailureIsLogged(t *testing.T) {
	audit := &fakeAudit{replayErr: fmt.Errorf("store down")}
	s, err := New(audit, Schedules{}, logger.Nop())
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.RunJob(JobReplayDeadLetters, s.replayDeadLetters) })
	assert.EqualValues(t, 1, audit.replays.Load())
}

func TestStop_CancelsJobContext(t *testing.T) {
	s, err := New(&fakeAudit{}, Schedules{}, logger.Nop())
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	var sawCancel bool
	s.RunJob("probe", func(ctx context.Context) error {
		sawCancel = ctx.Err() != nil
		return nil
	})
	assert.True(t, sawCancel)
}
