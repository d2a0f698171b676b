package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/errors"
)

func testArtifact() *capture.Artifact {
	return &capture.Artifact{
		Path:     "/tmp/images/img-1.jpg",
		SHA256:   "aaaa1111",
		DeviceID: "cam-0",
	}
}

func TestNewJobStartsPendingQueued(t *testing.T) {
	job := NewJob(testArtifact())

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StagePending, job.Stage)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "/tmp/images/img-1.jpg", job.ImagePath)
	assert.Equal(t, "aaaa1111", job.ImageSHA256)
	assert.False(t, job.IsTerminal())
}

func TestAdvanceForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		from    Stage
		to      Stage
		wantErr bool
	}{
		{"pending to analyzing", StagePending, StageAnalyzing, false},
		{"analyzing to analyzed", StageAnalyzing, StageAnalyzed, false},
		{"skip ahead allowed", StagePending, StageRegistering, false},
		{"same stage rejected", StageAnalyzing, StageAnalyzing, true},
		{"regression rejected", StageRegistered, StageAnalyzing, true},
		{"unknown stage rejected", StagePending, Stage("shipping"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(testArtifact())
			job.Stage = tt.from

			err := job.Advance(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.from, job.Stage)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, job.Stage)
			}
		})
	}
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	job := NewJob(testArtifact())
	job.Complete()

	require.True(t, job.IsTerminal())
	assert.Equal(t, StageCompleted, job.Stage)
	assert.Error(t, job.Advance(StageLabeling))

	failed := NewJob(testArtifact())
	failed.Stage = StageAnalyzing
	failed.Fail(errors.Wrap(errors.ErrProvider, "model unreachable"))

	require.True(t, failed.IsTerminal())
	assert.Error(t, failed.Advance(StageAnalyzed))
}

func TestFailRecordsKindAndStage(t *testing.T) {
	job := NewJob(testArtifact())
	require.NoError(t, job.Advance(StageAnalyzing))
	job.Fail(errors.Wrap(errors.ErrRateLimited, "429 from provider"))

	require.NotNil(t, job.LastError)
	assert.Equal(t, "RateLimited", job.LastError.Kind)
	assert.Equal(t, StageAnalyzing, job.LastError.Stage)
	assert.Contains(t, job.LastError.Message, "429")
	assert.NotNil(t, job.CompletedAt)
}

func TestRecordAttemptCounts(t *testing.T) {
	job := NewJob(testArtifact())

	assert.Equal(t, 1, job.RecordAttempt(StageRegistering))
	assert.Equal(t, 2, job.RecordAttempt(StageRegistering))
	assert.Equal(t, 1, job.RecordAttempt(StageAnalyzing))
}

func TestIsValidStage(t *testing.T) {
	assert.True(t, IsValidStage(StagePending))
	assert.True(t, IsValidStage(StageCompleted))
	assert.False(t, IsValidStage(Stage("")))
	assert.False(t, IsValidStage(Stage("done")))
}
