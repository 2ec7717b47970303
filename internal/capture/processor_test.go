package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdc-fanout/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []WALMessage
	confirmed pglogrepl.LSN
}

func (f *fakeReader) Next(ctx context.Context) (WALMessage, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		msg := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return WALMessage{}, ctx.Err()
}

func (f *fakeReader) Confirm(lsn pglogrepl.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lsn > f.confirmed {
		f.confirmed = lsn
	}
	return nil
}

func (f *fakeReader) position() pglogrepl.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed
}

type fakeNumberer struct {
	seq  map[models.Key]uint64
	last map[models.Key]pglogrepl.LSN
}

func newFakeNumberer() *fakeNumberer {
	return &fakeNumberer{seq: make(map[models.Key]uint64), last: make(map[models.Key]pglogrepl.LSN)}
}

// Next numbers like Sequencer: the same position keeps its number.
func (f *fakeNumberer) Next(key models.Key, lsn pglogrepl.LSN) (uint64, error) {
	if last, ok := f.last[key]; ok && last == lsn {
		return f.seq[key], nil
	}
	f.seq[key]++
	f.last[key] = lsn
	return f.seq[key], nil
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []models.ChangeEvent
	failures int
}

func (f *fakePublisher) Publish(_ context.Context, ev models.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("nats: timeout")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) published() []models.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChangeEvent(nil), f.events...)
}

func walMsg(lsn pglogrepl.LSN, data string) WALMessage {
	return WALMessage{LSN: lsn, End: lsn + pglogrepl.LSN(len(data)), ServerTime: time.Unix(1700000000, 0), Data: []byte(data)}
}

const (
	insertStudent = `{"action":"I","schema":"public","table":"student","timestamp":"2024-03-01 10:15:30.123456+00",` +
		`"columns":[{"name":"student_number","type":"character varying(20)","value":"S-1"},` +
		`{"name":"fullname","type":"text","value":"Ann"},{"name":"id_group","type":"integer","value":4}],` +
		`"pk":[{"name":"student_number","type":"character varying(20)"}]}`
	updateGroup = `{"action":"U","schema":"public","table":"groups",` +
		`"columns":[{"name":"id","type":"integer","value":4},{"name":"name","type":"text","value":"IKBO-04"},` +
		`{"name":"budget","type":"numeric(10,2)","value":1200.50}],` +
		`"identity":[{"name":"id","type":"integer","value":4}]}`
	deleteSchedule = `{"action":"D","schema":"public","table":"schedule",` +
		`"identity":[{"name":"id","type":"integer","value":50}]}`
)

func newTestProcessor(t *testing.T, reader Reader, pub Publisher) *Processor {
	p, err := NewProcessor(reader, newFakeNumberer(), pub, "public", nil, logrus.New())
	require.NoError(t, err)
	return p
}

func TestDecodeWal2JSON(t *testing.T) {
	p := newTestProcessor(t, &fakeReader{}, &fakePublisher{})

	ev, err := p.Decode(walMsg(100, insertStudent))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.Student, ev.Table)
	assert.Equal(t, models.Create, ev.Operation)
	assert.Equal(t, "S-1", ev.Key)
	assert.Equal(t, map[string]interface{}{"student_number": "S-1", "fullname": "Ann", "id_group": int64(4)}, ev.Payload)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 30, 123456000, time.UTC), ev.CommittedAt)
	assert.Equal(t, pglogrepl.LSN(100).String(), ev.LSN)

	ev, err = p.Decode(walMsg(200, updateGroup))
	require.NoError(t, err)
	assert.Equal(t, models.Update, ev.Operation)
	assert.Equal(t, "4", ev.Key)
	assert.Equal(t, "1200.50", ev.Payload["budget"])
	// Without a commit timestamp the server time is used.
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.CommittedAt)

	ev, err = p.Decode(walMsg(300, deleteSchedule))
	require.NoError(t, err)
	assert.Equal(t, models.Delete, ev.Operation)
	assert.Equal(t, map[string]interface{}{"id": int64(50)}, ev.Payload)
}

func TestDecodeSkipsUncapturedMessages(t *testing.T) {
	p, err := NewProcessor(&fakeReader{}, newFakeNumberer(), &fakePublisher{}, "public", []string{"student"}, logrus.New())
	require.NoError(t, err)

	for _, data := range []string{
		`{"action":"B"}`,
		`{"action":"C"}`,
		`{"action":"M","prefix":"x","content":"y"}`,
		`{"action":"T","schema":"public","table":"student"}`,
		updateGroup,
		`{"action":"I","schema":"audit","table":"student","columns":[{"name":"student_number","type":"text","value":"S-1"}]}`,
		`{"action":"I","schema":"public","table":"pg_temp","columns":[]}`,
	} {
		ev, err := p.Decode(walMsg(1, data))
		assert.NoError(t, err, data)
		assert.Nil(t, ev, data)
	}
}

func TestDecodeRejectsBrokenMessages(t *testing.T) {
	p := newTestProcessor(t, &fakeReader{}, &fakePublisher{})

	_, err := p.Decode(walMsg(1, `{"action":`))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = p.Decode(walMsg(1, `{"action":"I","schema":"public","table":"student","columns":[{"name":"fullname","type":"text","value":"Ann"}]}`))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestNewProcessorRejectsUnknownTable(t *testing.T) {
	_, err := NewProcessor(&fakeReader{}, newFakeNumberer(), &fakePublisher{}, "public", []string{"professors"}, logrus.New())
	assert.Error(t, err)
}

func TestProcessorPublishesInOrderAndConfirms(t *testing.T) {
	reader := &fakeReader{msgs: []WALMessage{
		walMsg(100, `{"action":"B"}`),
		walMsg(200, insertStudent),
		walMsg(300, `{"action":`),
		walMsg(400, updateGroup),
		walMsg(500, updateGroup),
	}}
	pub := &fakePublisher{failures: 2}
	p := newTestProcessor(t, reader, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	last := walMsg(500, updateGroup).End
	require.Eventually(t, func() bool { return reader.position() == last }, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := pub.published()
	require.Len(t, events, 3)
	assert.Equal(t, "S-1", events[0].Key)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, []uint64{1, 2}, []uint64{events[1].Sequence, events[2].Sequence})
	assert.NotEqual(t, events[1].ID, events[2].ID)
	for _, ev := range events {
		assert.NoError(t, ev.Validate())
	}
}

func TestEventIDsAreDeterministic(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestProcessor(t, &fakeReader{}, pub)
	require.NoError(t, p.Handle(context.Background(), walMsg(200, insertStudent)))

	again := &fakePublisher{}
	q := newTestProcessor(t, &fakeReader{}, again)
	require.NoError(t, q.Handle(context.Background(), walMsg(200, insertStudent)))

	assert.Equal(t, pub.published()[0].ID, again.published()[0].ID)
}

func TestReplicationDSN(t *testing.T) {
	assert.Equal(t, "postgres://cdc@db:5432/uni?replication=database&sslmode=disable",
		replicationDSN("postgres://cdc@db:5432/uni?sslmode=disable"))
	assert.Equal(t, "host=db user=cdc replication=database", replicationDSN("host=db user=cdc"))
	assert.Equal(t, "host=db replication=database", replicationDSN("host=db replication=database"))
}
