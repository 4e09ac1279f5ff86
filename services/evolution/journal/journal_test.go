// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderai/metaloop/services/evolution/bus"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func envelope(id string, age time.Duration) bus.Envelope {
	return bus.Envelope{
		EnvelopeID:    id,
		EventType:     "feedback.implicit",
		Payload:       json.RawMessage(`{"event_id":"` + id + `"}`),
		SourceService: "test",
		CreatedAt:     time.Now().Add(-age),
	}
}

func TestAppendReplayRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Append(envelope("e1", 0)))
	require.NoError(t, j.Append(envelope("e2", 0)))

	var seen []string
	n, err := j.Replay(func(env bus.Envelope) error {
		seen = append(seen, env.EnvelopeID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"e1", "e2"}, seen)
}

func TestRemove(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Append(envelope("e1", 0)))
	require.NoError(t, j.Remove("e1"))
	// Removing a missing key is fine.
	require.NoError(t, j.Remove("never-existed"))

	n, err := j.Replay(func(bus.Envelope) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeDropsExpired(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Append(envelope("old", 2*time.Hour)))
	require.NoError(t, j.Append(envelope("fresh", 0)))

	purged, err := j.Purge(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	var seen []string
	_, err = j.Replay(func(env bus.Envelope) error {
		seen = append(seen, env.EnvelopeID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, seen)
}

func TestClosedJournalErrors(t *testing.T) {
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // idempotent

	assert.ErrorIs(t, j.Append(envelope("e1", 0)), ErrClosed)
	assert.ErrorIs(t, j.Remove("e1"), ErrClosed)
	_, err = j.Replay(func(bus.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestBusIntegration(t *testing.T) {
	j := openTestJournal(t)

	config := bus.DefaultConfig()
	config.Journal = j
	b := bus.New(config)
	b.Subscribe(bus.Subscription{SubscriberID: "s"})

	require.True(t, b.Publish(envelope("e1", 0)))

	// Journaled on publish.
	n, err := j.Replay(func(bus.Envelope) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Removed once fully acknowledged.
	require.True(t, b.Acknowledge("e1", "s"))
	n, err = j.Replay(func(bus.Envelope) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayIntoBus(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Append(envelope("e1", 0)))

	b := bus.New(bus.DefaultConfig())
	b.Subscribe(bus.Subscription{SubscriberID: "s"})

	restored := 0
	_, err := j.Replay(func(env bus.Envelope) error {
		if b.Restore(env) {
			restored++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	events := b.GetEvents("s", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EnvelopeID)
}

func TestCloseRacesAppend(t *testing.T) {
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := j.Append(envelope(fmt.Sprintf("g%d-e%d", g, i), 0))
				if err != nil && !errors.Is(err, ErrClosed) &&
					!errors.Is(err, badger.ErrDBClosed) {
					t.Errorf("unexpected append error: %v", err)
					return
				}
			}
		}(g)
	}
	require.NoError(t, j.Close())
	wg.Wait()

	assert.ErrorIs(t, j.Append(envelope("after", 0)), ErrClosed)
}
