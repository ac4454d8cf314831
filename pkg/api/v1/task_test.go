package v1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitTaskRequestPromptLengthIsCharacters(t *testing.T) {
	// A multibyte character counts once against the limit even though it
	// encodes to three bytes.
	req := &SubmitTaskRequest{Prompt: strings.Repeat("日", MaxPromptLength)}
	require.NoError(t, req.Validate())

	req.Prompt += "日"
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
}

func TestSubmitTaskRequestValidateBounds(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name    string
		req     SubmitTaskRequest
		wantErr string
	}{
		{"empty prompt", SubmitTaskRequest{}, "prompt"},
		{"priority low", SubmitTaskRequest{Prompt: "p", Priority: intp(0)}, "priority"},
		{"priority high", SubmitTaskRequest{Prompt: "p", Priority: intp(11)}, "priority"},
		{"timeout low", SubmitTaskRequest{Prompt: "p", TimeoutMs: intp(999)}, "timeoutMs"},
		{"timeout high", SubmitTaskRequest{Prompt: "p", TimeoutMs: intp(600001)}, "timeoutMs"},
		{"bad mode", SubmitTaskRequest{Prompt: "p", Mode: "warp_drive"}, "mode"},
		{"valid", SubmitTaskRequest{Prompt: "p", Priority: intp(5), TimeoutMs: intp(60000)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	assert.True(t, TaskStatusPending.CanTransitionTo(TaskStatusAssigned))
	assert.True(t, TaskStatusRunning.CanTransitionTo(TaskStatusCompleted))
	assert.False(t, TaskStatusCompleted.CanTransitionTo(TaskStatusRunning))
	assert.False(t, TaskStatusCancelled.CanTransitionTo(TaskStatusPending))

	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
}
