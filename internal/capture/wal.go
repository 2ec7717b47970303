// Package capture streams committed row changes out of PostgreSQL logical
// replication, numbers them per key and appends them to the change log.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
)

// WALMessage is one wal2json message and the WAL position it ends at.
type WALMessage struct {
	LSN        pglogrepl.LSN
	End        pglogrepl.LSN
	ServerTime time.Time
	Data       []byte
}

// WALReader reads wal2json output from a replication slot.
type WALReader struct {
	conn         *pgconn.PgConn
	slot         string
	positionFile string
	standby      time.Duration
	nextStandby  time.Time
	flushed      pglogrepl.LSN
	logger       *logrus.Logger
}

var wal2jsonArgs = []string{
	`"format-version" '2'`,
	`"include-timestamp" '1'`,
	`"include-pk" '1'`,
	`"include-transaction" '0'`,
}

// NewWALReader connects in replication mode and starts streaming from the
// saved position, or from the slot's confirmed position when none is saved.
func NewWALReader(ctx context.Context, cfg config.CaptureConfig, logger *logrus.Logger) (*WALReader, error) {
	conn, err := pgconn.Connect(ctx, replicationDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open replication connection: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to identify system: %w", err)
	}
	logger.Infof("Replication connection to system %s, timeline %d, xlogpos %s, db %s",
		sysident.SystemID, sysident.Timeline, sysident.XLogPos, sysident.DBName)

	if cfg.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, cfg.Slot, cfg.Plugin, pglogrepl.CreateReplicationSlotOptions{})
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &pgErr) && pgErr.Code == "42710":
			logger.Infof("Replication slot %s already exists", cfg.Slot)
		case err != nil:
			conn.Close(ctx)
			return nil, fmt.Errorf("failed to create replication slot %s: %w", cfg.Slot, err)
		default:
			logger.Infof("Created replication slot %s with plugin %s", cfg.Slot, cfg.Plugin)
		}
	}

	r := &WALReader{
		conn:         conn,
		slot:         cfg.Slot,
		positionFile: cfg.PositionFile,
		standby:      cfg.StandbyTimeout,
		logger:       logger,
	}
	if r.standby <= 0 {
		r.standby = 10 * time.Second
	}

	start, err := r.loadPosition()
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	r.flushed = start

	err = pglogrepl.StartReplication(ctx, conn, cfg.Slot, start, pglogrepl.StartReplicationOptions{PluginArgs: wal2jsonArgs})
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to start replication on slot %s: %w", cfg.Slot, err)
	}
	logger.Infof("Started logical replication on slot %s from %s", cfg.Slot, start)
	return r, nil
}

// replicationDSN adds replication=database to a URL or keyword/value DSN.
func replicationDSN(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("replication", "database")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSpace(dsn) + " replication=database"
}

func (r *WALReader) loadPosition() (pglogrepl.LSN, error) {
	if r.positionFile == "" {
		return 0, nil
	}
	data, err := os.ReadFile(r.positionFile)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read position file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q in %s: %w", raw, r.positionFile, err)
	}
	r.logger.Infof("Loaded WAL position from file: %s", lsn)
	return lsn, nil
}

// Confirm marks everything up to lsn as durably published: the position
// file is written and the server may recycle the WAL on the next standby
// update.
func (r *WALReader) Confirm(lsn pglogrepl.LSN) error {
	if lsn <= r.flushed {
		return nil
	}
	if r.positionFile != "" {
		if err := os.WriteFile(r.positionFile, []byte(lsn.String()), 0644); err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}
	}
	r.flushed = lsn
	return nil
}

// Position returns the last confirmed position.
func (r *WALReader) Position() pglogrepl.LSN {
	return r.flushed
}

// Next blocks until the next wal2json message arrives, answering
// keepalives and sending standby updates in the meantime.
func (r *WALReader) Next(ctx context.Context) (WALMessage, error) {
	for {
		if !time.Now().Before(r.nextStandby) {
			if err := r.sendStandby(ctx); err != nil {
				return WALMessage{}, err
			}
		}

		rctx, cancel := context.WithDeadline(ctx, r.nextStandby)
		raw, err := r.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return WALMessage{}, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return WALMessage{}, fmt.Errorf("failed to receive replication message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return WALMessage{}, fmt.Errorf("replication error: %s (%s)", msg.Message, msg.Code)
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return WALMessage{}, fmt.Errorf("failed to parse keepalive: %w", err)
				}
				if pkm.ReplyRequested {
					r.nextStandby = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return WALMessage{}, fmt.Errorf("failed to parse XLogData: %w", err)
				}
				return WALMessage{
					LSN:        xld.WALStart,
					End:        xld.WALStart + pglogrepl.LSN(len(xld.WALData)),
					ServerTime: xld.ServerTime,
					Data:       xld.WALData,
				}, nil
			}
		default:
			r.logger.Debugf("Unhandled replication message: %T", raw)
		}
	}
}

func (r *WALReader) sendStandby(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: r.flushed})
	if err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	r.logger.Debugf("Sent standby status at %s", r.flushed)
	r.nextStandby = time.Now().Add(r.standby)
	return nil
}

// Close reports the final position and closes the connection.
func (r *WALReader) Close(ctx context.Context) error {
	if err := r.sendStandby(ctx); err != nil {
		r.logger.Warnf("Failed to send final standby status: %v", err)
	}
	return r.conn.Close(ctx)
}
