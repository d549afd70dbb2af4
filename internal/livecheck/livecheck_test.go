package livecheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	name string
	live bool
	err  error
}

func (f *fakeChecker) Name() string { return f.name }
func (f *fakeChecker) IsLive(ctx context.Context) (bool, error) {
	return f.live, f.err
}

func TestPollerDetectsLiveTransition(t *testing.T) {
	c := &fakeChecker{name: "twitch", live: false}
	p := New([]Checker{c}, time.Minute)
	assert.Equal(t, StatusOffline, p.LastStatus())

	now := time.Unix(0, 0)
	transition, err := p.Poll(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, transition)

	c.live = true
	transition, err = p.Poll(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TransitionToLive, transition)
	assert.Equal(t, StatusLive, p.LastStatus())
}

func TestPollerDetectsOfflineTransition(t *testing.T) {
	c := &fakeChecker{name: "kick", live: true}
	p := New([]Checker{c}, time.Minute)
	p.SetLastStatus(StatusLive)

	c.live = false
	transition, err := p.Poll(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, TransitionToOffline, transition)
}

func TestPollerAnyLiveWins(t *testing.T) {
	twitch := &fakeChecker{name: "twitch", live: false}
	kick := &fakeChecker{name: "kick", live: true}
	p := New([]Checker{twitch, kick}, time.Minute)

	transition, err := p.Poll(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, TransitionToLive, transition)
}

func TestPollerTransientErrorDoesNotFlapLive(t *testing.T) {
	c := &fakeChecker{name: "twitch", live: true, err: errors.New("network blip")}
	p := New([]Checker{c}, time.Minute)
	p.SetLastStatus(StatusLive)

	transition, err := p.Poll(context.Background(), time.Unix(0, 0))
	require.Error(t, err)
	assert.Equal(t, TransitionToOffline, transition)
	assert.Equal(t, StatusOffline, p.LastStatus())
}

func TestShouldPollRespectsCadence(t *testing.T) {
	p := New(nil, time.Minute)
	now := time.Unix(1000, 0)
	assert.True(t, p.ShouldPoll(now))

	_, _ = p.Poll(context.Background(), now)
	assert.False(t, p.ShouldPoll(now.Add(30*time.Second)))
	assert.True(t, p.ShouldPoll(now.Add(61*time.Second)))
}
