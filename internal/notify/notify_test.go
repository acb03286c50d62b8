package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlackNotifierDisabledWhenNoToken(t *testing.T) {
	n := NewSlackNotifier("", "#tispace", nil)
	require.False(t, n.IsEnabled())
	require.NoError(t, n.Notify(context.Background(), "alice", "box1", "reached Running"))
}

func TestSlackNotifierDisabledWithoutChannel(t *testing.T) {
	n := NewSlackNotifier("xoxb-fake", "", nil)
	require.False(t, n.IsEnabled())
}

func TestWorthNotifyingOnMissingOrRunning(t *testing.T) {
	require.True(t, worthNotifying(eventWire{To: "Missing"}))
	require.True(t, worthNotifying(eventWire{To: "Running"}))
	require.False(t, worthNotifying(eventWire{From: "Creating", To: "Starting"}))
}

func TestWorthNotifyingOnAnyMessage(t *testing.T) {
	require.True(t, worthNotifying(eventWire{From: "Creating", To: "Creating", Message: "permanent error: quota exceeded"}))
}
