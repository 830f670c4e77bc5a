package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAskUsesFallbackWhenUnclaimed(t *testing.T) {
	b := NewBroker(nil)
	decision, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "read"})
	require.NoError(t, err)
	require.Equal(t, DecisionOnce, decision)

	rejecting := NewBroker(func(context.Context, Request) Decision { return DecisionReject })
	_, err = rejecting.Ask(context.Background(), Request{SessionID: "s1", Permission: "bash"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "bash", rejected.Permission)
}

func TestFirstClaimWins(t *testing.T) {
	b := NewBroker(nil)
	var calls []string
	releaseA := b.OnAsked("s1", func(req Request) bool {
		calls = append(calls, "a")
		return false
	})
	defer releaseA()
	releaseB := b.OnAsked("s1", func(req Request) bool {
		calls = append(calls, "b")
		require.NoError(t, b.Reply(req.ID, DecisionOnce, ""))
		return true
	})
	defer releaseB()
	releaseC := b.OnAsked("s1", func(req Request) bool {
		calls = append(calls, "c")
		return true
	})
	defer releaseC()

	decision, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "edit"})
	require.NoError(t, err)
	require.Equal(t, DecisionOnce, decision)
	require.Equal(t, []string{"a", "b"}, calls)
}

func TestAskBlocksUntilReply(t *testing.T) {
	b := NewBroker(nil)
	requests := make(chan Request, 1)
	release := b.OnAsked("s1", func(req Request) bool {
		requests <- req
		return true
	})
	defer release()

	result := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "edit", Message: "edit main.go"})
		result <- err
	}()

	req := <-requests
	require.True(t, b.Pending(req.ID))
	require.NoError(t, b.Reply(req.ID, DecisionReject, "not now"))

	err := <-result
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "not now", rejected.Reason)
	require.ErrorIs(t, b.Reply(req.ID, DecisionOnce, ""), ErrRequestNotFound)
}

func TestAlwaysGrantsRestOfSession(t *testing.T) {
	b := NewBroker(nil)
	claims := 0
	release := b.OnAsked("s1", func(req Request) bool {
		claims++
		require.NoError(t, b.Reply(req.ID, DecisionAlways, ""))
		return true
	})
	defer release()

	_, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "edit"})
	require.NoError(t, err)
	decision, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "edit"})
	require.NoError(t, err)
	require.Equal(t, DecisionAlways, decision)
	require.Equal(t, 1, claims)
}

func TestCancelUnblocksAsker(t *testing.T) {
	b := NewBroker(nil)
	requests := make(chan Request, 1)
	release := b.OnAsked("s1", func(req Request) bool {
		requests <- req
		return true
	})
	defer release()

	result := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), Request{SessionID: "s1", Permission: "bash"})
		result <- err
	}()

	req := <-requests
	require.True(t, b.Cancel(req.ID))
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Ask did not return after Cancel")
	}
	require.False(t, b.Cancel(req.ID))
}

func TestAskHonorsContext(t *testing.T) {
	b := NewBroker(nil)
	release := b.OnAsked("s1", func(Request) bool { return true })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Ask(ctx, Request{ID: "req-1", SessionID: "s1", Permission: "bash"})
	require.True(t, errors.Is(err, ErrCancelled))
	require.False(t, b.Pending("req-1"))

	release()
	release()
	require.Equal(t, 0, b.HandlerCount("s1"))
}
