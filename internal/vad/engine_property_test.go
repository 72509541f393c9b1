package vad

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

// referenceEvents replays the hysteresis rules on a speech/silence sequence.
func referenceEvents(speech []bool, minFrames int) []EventKind {
	var (
		out      []EventKind
		speaking bool
		silent   int
	)
	for _, s := range speech {
		switch {
		case s:
			silent = 0
			if !speaking {
				speaking = true
				out = append(out, EventStart)
			}
		case speaking:
			silent++
			if silent >= minFrames {
				speaking = false
				silent = 0
				out = append(out, EventEnd)
			}
		default:
			silent = 0
		}
	}
	return out
}

func runSequence(t require.TestingT, e *Engine, id string, speech []bool) []EventKind {
	var out []EventKind
	for _, s := range speech {
		chunk := quietChunk
		if s {
			chunk = loudChunk
		}
		ev, err := e.Detect(chunk, id)
		require.NoError(t, err)
		if ev != nil {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func TestPropertyEventsMatchHysteresis(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		silenceMs := rapid.IntRange(0, 200).Draw(rt, "silenceMs")
		speech := rapid.SliceOfN(rapid.Bool(), 0, 300).Draw(rt, "speech")

		cfg := DefaultConfig()
		cfg.MinSilenceDuration = time.Duration(silenceMs) * time.Millisecond
		e, err := NewEngine(cfg, WithLogger(discardLogger()))
		require.NoError(rt, err)

		got := runSequence(rt, e, "s", speech)
		want := referenceEvents(speech, e.MinSilenceFrames(chunkSamples))
		assert.Equal(rt, want, got)

		// Events strictly alternate and begin with start.
		for i, k := range got {
			if i%2 == 0 {
				assert.Equal(rt, EventStart, k, "event %d", i)
			} else {
				assert.Equal(rt, EventEnd, k, "event %d", i)
			}
		}
	})
}

func TestPropertySessionsDoNotInterfere(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.SliceOfN(rapid.Bool(), 0, 120).Draw(rt, "a")
		b := rapid.SliceOfN(rapid.Bool(), 0, 120).Draw(rt, "b")

		cfg := DefaultConfig()
		cfg.MinSilenceDuration = 60 * time.Millisecond

		alone, err := NewEngine(cfg, WithLogger(discardLogger()))
		require.NoError(rt, err)
		wantA := runSequence(rt, alone, "a", a)

		mixed, err := NewEngine(cfg, WithLogger(discardLogger()))
		require.NoError(rt, err)

		var gotA []EventKind
		i, j := 0, 0
		for i < len(a) || j < len(b) {
			takeA := j >= len(b) || (i < len(a) && rapid.Bool().Draw(rt, fmt.Sprintf("pick%d", i+j)))
			if takeA {
				gotA = append(gotA, runSequence(rt, mixed, "a", a[i:i+1])...)
				i++
			} else {
				runSequence(rt, mixed, "b", b[j:j+1])
				j++
			}
		}
		assert.Equal(rt, wantA, gotA)
	})
}

func TestConcurrentSessions(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	const sessions = 32
	results := make([][]EventKind, sessions)

	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		i := i
		g.Go(func() error {
			id := fmt.Sprintf("session-%d", i)
			var events []EventKind
			for n := 0; n < 5; n++ {
				ev, err := e.Detect(loudChunk, id)
				if err != nil {
					return err
				}
				if ev != nil {
					events = append(events, ev.Kind)
				}
			}
			for n := 0; n < 25; n++ {
				ev, err := e.Detect(quietChunk, id)
				if err != nil {
					return err
				}
				if ev != nil {
					events = append(events, ev.Kind)
				}
			}
			results[i] = events
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, events := range results {
		assert.Equal(t, []EventKind{EventStart, EventEnd}, events, "session %d", i)
	}
	assert.Equal(t, sessions, e.SessionCount())
	assert.Equal(t, uint64(sessions*30), e.Stats().Detections)
}

func TestConcurrentFirstUseOfOneSession(t *testing.T) {
	const callers = 16

	for round := 0; round < 50; round++ {
		e := newTestEngine(t, DefaultConfig())

		var (
			starts atomic.Int32
			g      errgroup.Group
		)
		ready := make(chan struct{})
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				<-ready
				ev, err := e.Detect(loudChunk, "same")
				if err != nil {
					return err
				}
				if ev != nil && ev.Kind == EventStart {
					starts.Add(1)
				}
				return nil
			})
		}
		close(ready)
		require.NoError(t, g.Wait())

		require.Equal(t, 1, e.SessionCount(), "round %d", round)
		require.Equal(t, int32(1), starts.Load(), "round %d", round)
		snap, ok := e.Session("same")
		require.True(t, ok)
		require.Equal(t, uint64(callers), snap.Chunks, "round %d", round)
	}
}

func TestConcurrentClearAll(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			id := fmt.Sprintf("s%d", i)
			for n := 0; n < 200; n++ {
				if _, err := e.Detect(loudChunk, id); err != nil {
					return err
				}
				if n%50 == 0 {
					if err := e.Reset(id); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for n := 0; n < 50; n++ {
			e.ClearAll()
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, e.SessionCount(), 8)

	// Detect keeps working on every id after the clears.
	for i := 0; i < 8; i++ {
		_, err := e.Detect(quietChunk, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 8, e.SessionCount())
	assert.Equal(t, 8, e.ClearAll())
}
