package capture

import (
	"sync"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
)

func newTestSequencer(t *testing.T) *Sequencer {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)

	conn, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	js, err := conn.JetStream()
	require.NoError(t, err)

	seq, err := NewSequencer(js, "cdc_sequences", logrus.New())
	require.NoError(t, err)
	return seq
}

func TestSequencerNumbersPerKey(t *testing.T) {
	s := newTestSequencer(t)
	student := models.Key{Table: models.Student, ID: "S-1/a b"}
	group := models.Key{Table: models.Groups, ID: "4"}

	for i, lsn := range []pglogrepl.LSN{100, 200, 300} {
		n, err := s.Next(student, lsn)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), n)
	}
	n, err := s.Next(group, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestSequencerIsIdempotentPerPosition(t *testing.T) {
	s := newTestSequencer(t)
	key := models.Key{Table: models.University, ID: "1"}

	n, err := s.Next(key, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	n, err = s.Next(key, 200)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	// Re-reading the last message after a restart yields the same number.
	n, err = s.Next(key, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	_, err = s.Next(key, 100)
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestSequencerConcurrentUpdates(t *testing.T) {
	s := newTestSequencer(t)
	key := models.Key{Table: models.Student, ID: "S-9"}

	const writers = 4
	var wg sync.WaitGroup
	results := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(lsn pglogrepl.LSN) {
			defer wg.Done()
			n, err := s.Next(key, lsn)
			if err == nil {
				results <- n
			}
		}(pglogrepl.LSN(1000 + i))
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		assert.False(t, seen[n], "sequence %d handed out twice", n)
		seen[n] = true
	}
	assert.NotEmpty(t, seen)
}

func TestBucketKeyIsValid(t *testing.T) {
	k := bucketKey(models.Key{Table: models.Student, ID: "S 1/ä"})
	assert.Regexp(t, `^[-/_=.a-zA-Z0-9]+$`, k)
	assert.NotEqual(t, k, bucketKey(models.Key{Table: models.Student, ID: "S 1/a"}))
}
