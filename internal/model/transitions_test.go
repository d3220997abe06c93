package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	assert.True(t, JobQueued.CanTransition(JobUploading))
	assert.True(t, JobUploading.CanTransition(JobProcessing))
	assert.True(t, JobProcessing.CanTransition(JobPolling))
	assert.True(t, JobPolling.CanTransition(JobCompleted))
	assert.True(t, JobPolling.CanTransition(JobFailed))

	// No skipping ahead and no regression.
	assert.False(t, JobQueued.CanTransition(JobPolling))
	assert.False(t, JobPolling.CanTransition(JobQueued))
	assert.False(t, JobProcessing.CanTransition(JobCompleted))

	// Cancellation and expiry absorb from any non-terminal state.
	for _, from := range []JobStatus{JobQueued, JobUploading, JobProcessing, JobPolling} {
		assert.True(t, from.CanTransition(JobCancelled), "from %s", from)
		assert.True(t, from.CanTransition(JobExpired), "from %s", from)
	}
}

func TestJobTerminalStatesAreAbsorbing(t *testing.T) {
	terminals := []JobStatus{JobCompleted, JobFailed, JobExpired, JobCancelled}
	all := []JobStatus{JobQueued, JobUploading, JobProcessing, JobPolling,
		JobCompleted, JobFailed, JobExpired, JobCancelled}
	for _, from := range terminals {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s must be illegal", from, to)
		}
	}
	for _, s := range []JobStatus{JobQueued, JobUploading, JobProcessing, JobPolling} {
		assert.False(t, s.Terminal())
	}
}

func TestSessionTransitions(t *testing.T) {
	assert.True(t, SessionUploading.CanTransition(SessionProcessing))
	assert.True(t, SessionProcessing.CanTransition(SessionPostProcessing))
	assert.True(t, SessionPostProcessing.CanTransition(SessionCompleted))
	assert.True(t, SessionPostProcessing.CanTransition(SessionFailed))

	assert.False(t, SessionProcessing.CanTransition(SessionCompleted))
	assert.False(t, SessionCompleted.CanTransition(SessionProcessing))
	assert.False(t, SessionCompleted.CanTransition(SessionCancelled))

	for _, from := range []SessionStatus{SessionUploading, SessionProcessing, SessionPostProcessing} {
		assert.True(t, from.CanTransition(SessionCancelled), "from %s", from)
		assert.True(t, from.CanTransition(SessionExpired), "from %s", from)
	}
	// Expiry still reaps finished sessions.
	assert.True(t, SessionCompleted.CanTransition(SessionExpired))
	assert.True(t, SessionFailed.CanTransition(SessionExpired))
	assert.True(t, SessionCancelled.CanTransition(SessionExpired))
}
