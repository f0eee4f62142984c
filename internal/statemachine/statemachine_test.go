package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardline/internal/domain"
)

func TestValidateTransitionNeverEscapesTable(t *testing.T) {
	m := New([]string{"integration_guard"})
	finalizer := []string{"integration_guard"}
	for _, ct := range CardTypes() {
		for _, from := range domain.AllStatuses {
			for _, to := range domain.AllStatuses {
				err := m.ValidateTransition(ct, from, to, finalizer, domain.WaitDependency)
				if Allowed(ct, from, to) {
					assert.NoError(t, err, "%s %s -> %s", ct, from, to)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition, "%s %s -> %s", ct, from, to)
				}
			}
		}
	}
}

func TestDoneOnIssueRequiresFinalizer(t *testing.T) {
	m := New([]string{"integration_guard"})
	for _, from := range domain.AllStatuses {
		if !Allowed(domain.CardIssue, from, domain.StatusDone) {
			continue
		}
		err := m.ValidateTransition(domain.CardIssue, from, domain.StatusDone, []string{"coder"}, "")
		require.ErrorIs(t, err, ErrPermissionDenied, "from %s", from)
		require.NoError(t, m.ValidateTransition(domain.CardIssue, from, domain.StatusDone, []string{"coder", "Integration_Guard"}, ""))
	}
	// epics finish without a finalizer
	assert.NoError(t, m.ValidateTransition(domain.CardEpic, domain.StatusInProgress, domain.StatusDone, nil, ""))
}

func TestWaitReasonRequired(t *testing.T) {
	m := New(nil)
	err := m.ValidateTransition(domain.CardIssue, domain.StatusInProgress, domain.StatusBlocked, nil, " ")
	require.ErrorIs(t, err, ErrMissingWaitReason)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.StatusBlocked, te.To)

	require.ErrorIs(t, m.ValidateTransition(domain.CardIssue, domain.StatusReady, domain.StatusWaitingForDeveloper, nil, ""), ErrMissingWaitReason)
	require.NoError(t, m.ValidateTransition(domain.CardIssue, domain.StatusInProgress, domain.StatusBlocked, nil, domain.WaitTechnicalBlocker))
}

func TestArchivedIsTerminal(t *testing.T) {
	for _, ct := range CardTypes() {
		assert.Empty(t, Next(ct, domain.StatusArchived), "%s", ct)
		assert.True(t, Known(ct, domain.StatusArchived))
	}
}

func TestValidWaitReason(t *testing.T) {
	assert.True(t, ValidWaitReason("Dependency"))
	assert.False(t, ValidWaitReason("bored"))
	assert.False(t, ValidWaitReason(""))
}
