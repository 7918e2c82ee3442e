package commands

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/instanalytics/installer/internal/console"
	"github.com/instanalytics/installer/pkg/errors"
	appfsm "github.com/instanalytics/installer/pkg/fsm"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	events chan appfsm.Event
	snap   appfsm.Snapshot
	err    error
}

func (f *fakeSession) Events() <-chan appfsm.Event { return f.events }

func (f *fakeSession) Wait(ctx context.Context) (appfsm.Snapshot, error) {
	return f.snap, f.err
}

func newFakeSession(kind appfsm.EventKind, snap appfsm.Snapshot, err error) *fakeSession {
	f := &fakeSession{events: make(chan appfsm.Event, 1), snap: snap, err: err}
	f.events <- appfsm.Event{Kind: kind, Snapshot: snap}
	return f
}

func TestFollow_ReturnsWaitError(t *testing.T) {
	var buf bytes.Buffer
	renderer := console.New(&buf, i18n.New("en"))

	failure := errors.Network(stderrors.New("connection reset by peer"))
	snap := appfsm.Snapshot{
		SessionID:  "s1",
		Stage:      appfsm.StageError,
		Progress:   60,
		StatusText: "Error while downloading InstAnalytics",
	}
	sess := newFakeSession(appfsm.EventError, snap, failure)

	got, err := follow(context.Background(), sess, renderer)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
	assert.Equal(t, "s1", got.SessionID)
	assert.Contains(t, buf.String(), "Error while downloading InstAnalytics")
}

func TestFollow_Success(t *testing.T) {
	var buf bytes.Buffer
	renderer := console.New(&buf, i18n.New("en"))

	snap := appfsm.Snapshot{SessionID: "s2", Stage: appfsm.StageCompleted, Progress: 100, StatusText: "Installation completed!"}
	sess := newFakeSession(appfsm.EventCompleted, snap, nil)

	got, err := follow(context.Background(), sess, renderer)
	require.NoError(t, err)
	assert.Equal(t, appfsm.StageCompleted, got.Stage)
	assert.Contains(t, buf.String(), "Installation completed!")
}
