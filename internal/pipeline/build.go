package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/changelog"
	"cdc-fanout/internal/config"
	"cdc-fanout/internal/delivery"
	cdcnats "cdc-fanout/internal/nats"
	"cdc-fanout/internal/router"
	"cdc-fanout/internal/sink"
	"cdc-fanout/internal/snapshot"
	"cdc-fanout/internal/verify"
)

// Sinks holds the adapters of the enabled sinks and the clients behind
// them.
type Sinks struct {
	adapters []*sink.Adapter
	closers  []func(context.Context) error
}

// OpenSinks connects to every sink that has at least one route.
func OpenSinks(ctx context.Context, cfg *config.Config, subs *router.Subscriptions, logger *logrus.Logger) (*Sinks, error) {
	s := &Sinks{}
	for _, name := range subs.Sinks() {
		writer, ledger, err := s.open(ctx, name, cfg.Sinks, logger)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.adapters = append(s.adapters, sink.NewAdapter(name, writer, ledger, subs.Transforms(name), logger))
		logger.Infof("Sink %s ready", name)
	}
	return s, nil
}

func (s *Sinks) open(ctx context.Context, name string, cfg config.SinksConfig, logger *logrus.Logger) (sink.Writer, sink.Ledger, error) {
	switch name {
	case router.SinkMongo:
		client, err := sink.NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, client.Disconnect)
		db := client.Database(cfg.Mongo.Database)
		return sink.NewDocument(db.Collection(cfg.Mongo.Collection), logger),
			sink.NewMongoLedger(db.Collection(cfg.Mongo.LedgerCollection)), nil

	case router.SinkNeo4j:
		driver, err := sink.NewNeo4jDriver(ctx, cfg.Neo4j)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, driver.Close)
		return sink.NewGraph(driver, cfg.Neo4j.Database, logger), sink.NewNeo4jLedger(driver, cfg.Neo4j.Database), nil

	case router.SinkRedis:
		client, err := sink.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		return sink.NewKV(client, logger), sink.NewRedisLedger(client, cfg.Redis.LedgerKey), nil

	case router.SinkElasticsearch:
		es, err := sink.NewElasticsearchClient(cfg.Elasticsearch)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewSearch(es, cfg.Elasticsearch, logger), sink.NewSearchLedger(es, cfg.Elasticsearch.LedgerIndex), nil

	default:
		return nil, nil, fmt.Errorf("unknown sink %q", name)
	}
}

func (s *Sinks) Adapters() []*sink.Adapter {
	return s.adapters
}

// Projectors exposes the adapters to the verifier.
func (s *Sinks) Projectors() []verify.Projector {
	out := make([]verify.Projector, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	return out
}

func (s *Sinks) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}

// Service is a fully wired fan-out process.
type Service struct {
	*Pipeline
	Sinks  *Sinks
	source *snapshot.Postgres
	conn   *nats.Conn
}

// Open connects to the source, the change log and every enabled sink.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Service, error) {
	subs, err := router.NewSubscriptions(cfg.Subscriptions, cfg.EnabledSinks(), logger)
	if err != nil {
		return nil, err
	}

	source, err := snapshot.NewPostgres(cfg.Source.DSN, cfg.Source.Schema, logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{source: source}

	svc.conn, err = cdcnats.Connect(cfg.NATS, logger)
	if err != nil {
		svc.close(ctx)
		return nil, err
	}
	transport, err := changelog.NewJetStream(svc.conn, cfg.NATS, cfg.Reader, logger)
	if err != nil {
		svc.close(ctx)
		return nil, err
	}

	var cursor *changelog.Cursor
	if cfg.Reader.CursorFile != "" {
		cursor = changelog.NewCursor(cfg.Reader.CursorFile, cfg.NATS.Stream)
	}
	reader, err := changelog.NewReader(transport, cursor, changelog.Options{RetryMaxElapsed: cfg.Reader.RetryMaxElapsed}, logger)
	if err != nil {
		svc.close(ctx)
		return nil, err
	}

	svc.Sinks, err = OpenSinks(ctx, cfg, subs, logger)
	if err != nil {
		svc.close(ctx)
		return nil, err
	}

	var trackers []*delivery.Tracker
	for _, a := range svc.Sinks.Adapters() {
		t, err := delivery.New(a, delivery.OptionsFromConfig(cfg.Delivery), logger)
		if err != nil {
			for _, started := range trackers {
				started.Close(ctx)
			}
			svc.close(ctx)
			return nil, err
		}
		trackers = append(trackers, t)
	}

	svc.Pipeline = New(reader, router.New(subs, source, logger), trackers, Options{
		BatchSize: cfg.Reader.BatchSize,
		MaxWait:   cfg.Reader.MaxWait,
	}, logger)
	return svc, nil
}

// Close releases the connections opened by Open. Shutdown the pipeline
// first.
func (s *Service) Close(ctx context.Context) error {
	return s.close(ctx)
}

func (s *Service) close(ctx context.Context) error {
	var result *multierror.Error
	if s.Sinks != nil {
		if err := s.Sinks.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
