package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/service"
)

type fakeStager struct {
	createdWith service.CreateParams
	createdCred string
	createErr   error

	attached     [][2]string
	attachedCred string
	attachErr    error
}

func (f *fakeStager) CreateChild(ctx context.Context, cred string, params service.CreateParams) (*domain.Job, error) {
	f.createdCred = cred
	f.createdWith = params
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &domain.Job{
		JobID:       uuid.New().String(),
		UserID:      params.UserID,
		ProjectID:   params.ProjectID,
		JobType:     params.JobType,
		Status:      domain.StatusPending,
		InputData:   params.InputData,
		ParentJobID: params.ParentJobID,
	}, nil
}

func (f *fakeStager) AttachChildResult(ctx context.Context, cred, parentJobID, childJobID string) error {
	f.attachedCred = cred
	f.attached = append(f.attached, [2]string{parentJobID, childJobID})
	return f.attachErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOrchestrator_SpawnStage(t *testing.T) {
	projectID := "project-1"
	parent := &domain.Job{
		JobID:     "parent-1",
		UserID:    "user-1",
		ProjectID: &projectID,
		JobType:   domain.TypeScriptAnalysis,
		Status:    domain.StatusProcessing,
	}

	t.Run("child inherits owner, project and parent reference", func(t *testing.T) {
		stager := &fakeStager{}
		orch := NewOrchestrator(stager, "worker-cred", testLogger())

		input := domain.ShotMatchingInput{
			ProjectID:   projectID,
			ParentJobID: parent.JobID,
			SourceJobID: parent.JobID,
		}
		child, err := orch.SpawnStage(context.Background(), parent, domain.TypeShotMatching, input)
		require.NoError(t, err)

		assert.Equal(t, "worker-cred", stager.createdCred)
		assert.Equal(t, "user-1", stager.createdWith.UserID)
		assert.Equal(t, &projectID, stager.createdWith.ProjectID)
		require.NotNil(t, stager.createdWith.ParentJobID)
		assert.Equal(t, parent.JobID, *stager.createdWith.ParentJobID)
		assert.Equal(t, domain.TypeShotMatching, child.JobType)

		// The input payload carries the ancestry references too.
		ref, err := DecodeParentRef(stager.createdWith.InputData)
		require.NoError(t, err)
		assert.Equal(t, parent.JobID, ref.ParentJobID)
		assert.Equal(t, parent.JobID, ref.SourceJobID)
	})

	t.Run("creation failure is wrapped", func(t *testing.T) {
		stager := &fakeStager{createErr: domain.ErrRateLimited}
		orch := NewOrchestrator(stager, "worker-cred", testLogger())

		_, err := orch.SpawnStage(context.Background(), parent, domain.TypeShotMatching, domain.ShotMatchingInput{})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})
}

func TestOrchestrator_LinkChild(t *testing.T) {
	stager := &fakeStager{}
	orch := NewOrchestrator(stager, "worker-cred", testLogger())

	require.NoError(t, orch.LinkChild(context.Background(), "parent-1", "child-1"))
	require.Len(t, stager.attached, 1)
	assert.Equal(t, [2]string{"parent-1", "child-1"}, stager.attached[0])
	assert.Equal(t, "worker-cred", stager.attachedCred)

	stager.attachErr = errors.New("parent gone")
	assert.Error(t, orch.LinkChild(context.Background(), "parent-1", "child-2"))
}

func TestDecodeParentRef(t *testing.T) {
	t.Run("valid reference", func(t *testing.T) {
		ref, err := DecodeParentRef(json.RawMessage(`{"parentJobId":"a","sourceJobId":"b","projectId":"p"}`))
		require.NoError(t, err)
		assert.Equal(t, "a", ref.ParentJobID)
		assert.Equal(t, "b", ref.SourceJobID)
	})

	t.Run("missing parent id", func(t *testing.T) {
		_, err := DecodeParentRef(json.RawMessage(`{"sourceJobId":"b"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := DecodeParentRef(json.RawMessage(`not json`))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}
