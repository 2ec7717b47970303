package capture

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/models"
)

// ErrSuperseded means a later change of the key was already numbered, so a
// re-read WAL message must not be published again.
var ErrSuperseded = errors.New("change already superseded")

const maxCASAttempts = 16

type sequenceState struct {
	Sequence uint64 `json:"seq"`
	LSN      string `json:"lsn"`
}

// Sequencer hands out per-key sequence numbers from a JetStream KeyValue
// bucket. The WAL position of the numbered change is stored with the
// counter, so re-reading the same message after a restart returns the same
// number.
type Sequencer struct {
	kv     nats.KeyValue
	logger *logrus.Logger
}

// NewSequencer opens the bucket, creating it if needed.
func NewSequencer(js nats.JetStreamContext, bucket string, logger *logrus.Logger) (*Sequencer, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "per-key change sequences",
			History:     1,
			Storage:     nats.FileStorage,
		})
		if err == nil {
			logger.Infof("Created sequence bucket %s", bucket)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence bucket %s: %w", bucket, err)
	}
	return &Sequencer{kv: kv, logger: logger}, nil
}

// bucketKey encodes a source key into the characters KV keys allow.
func bucketKey(key models.Key) string {
	return string(key.Table) + "." + base64.RawURLEncoding.EncodeToString([]byte(key.ID))
}

// Next returns the sequence of the change of key at lsn.
func (s *Sequencer) Next(key models.Key, lsn pglogrepl.LSN) (uint64, error) {
	k := bucketKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			data, _ := json.Marshal(sequenceState{Sequence: 1, LSN: lsn.String()})
			if _, err := s.kv.Create(k, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return 0, fmt.Errorf("failed to create sequence of %s: %w", key, err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence of %s: %w", key, err)
		}

		var state sequenceState
		if err := json.Unmarshal(entry.Value(), &state); err != nil {
			return 0, fmt.Errorf("corrupt sequence of %s: %w", key, err)
		}
		last, err := pglogrepl.ParseLSN(state.LSN)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence position of %s: %w", key, err)
		}
		switch {
		case lsn == last:
			return state.Sequence, nil
		case lsn < last:
			return 0, fmt.Errorf("%w: %s at %s, numbered up to %s", ErrSuperseded, key, lsn, last)
		}

		data, _ := json.Marshal(sequenceState{Sequence: state.Sequence + 1, LSN: lsn.String()})
		if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
			if isWrongRevision(err) {
				s.logger.Debugf("Sequence of %s changed concurrently, retrying", key)
				continue
			}
			return 0, fmt.Errorf("failed to advance sequence of %s: %w", key, err)
		}
		return state.Sequence + 1, nil
	}
	return 0, fmt.Errorf("failed to advance sequence of %s: too many concurrent updates", key)
}

func isWrongRevision(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
