package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// Search indexes one document per source row, field for field.
type Search struct {
	es      *elasticsearch.Client
	prefix  string
	refresh string
	logger  *logrus.Logger
}

// NewElasticsearchClient builds a client for cfg.
func NewElasticsearchClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return es, nil
}

func NewSearch(es *elasticsearch.Client, cfg config.ElasticsearchConfig, logger *logrus.Logger) *Search {
	refresh := "false"
	if cfg.Refresh {
		refresh = "true"
	}
	return &Search{es: es, prefix: cfg.IndexPrefix, refresh: refresh, logger: logger}
}

func (s *Search) Upsert(ctx context.Context, intent models.WriteIntent) error {
	index := searchIndex(intent.Transform, s.prefix, intent.Table)
	return indexDocument(ctx, s.es, index, intent.Key, intent.Fields, s.refresh)
}

func (s *Search) Delete(ctx context.Context, intent models.WriteIntent) error {
	index := searchIndex(intent.Transform, s.prefix, intent.Table)
	res, err := s.es.Delete(index, intent.Key,
		s.es.Delete.WithContext(ctx),
		s.es.Delete.WithRefresh(s.refresh),
	)
	if err != nil {
		return &Error{Kind: Retryable, Err: err}
	}
	defer drain(res)

	if res.StatusCode == http.StatusNotFound {
		s.logger.Debugf("Document %s/%s already absent", index, intent.Key)
		return nil
	}
	return responseError(res, "delete", index, intent.Key)
}

func (s *Search) Project(ctx context.Context, t models.Transform, table models.Table, key string) (map[string]interface{}, bool, error) {
	return getDocument(ctx, s.es, searchIndex(t, s.prefix, table), key)
}

// SearchLedger keeps versions as documents of a dedicated index.
type SearchLedger struct {
	es    *elasticsearch.Client
	index string
}

func NewSearchLedger(es *elasticsearch.Client, index string) *SearchLedger {
	return &SearchLedger{es: es, index: index}
}

func (l *SearchLedger) Get(ctx context.Context, key models.Key) (Version, bool, error) {
	doc, found, err := getDocument(ctx, l.es, l.index, key.String())
	if err != nil || !found {
		return Version{}, false, err
	}
	var v Version
	if seq, ok := doc["seq"].(int64); ok {
		v.Sequence = uint64(seq)
	}
	v.Deleted, _ = doc["deleted"].(bool)
	return v, true, nil
}

func (l *SearchLedger) Put(ctx context.Context, key models.Key, v Version) error {
	doc := map[string]interface{}{"seq": v.Sequence, "deleted": v.Deleted}
	return indexDocument(ctx, l.es, l.index, key.String(), doc, "false")
}

func indexDocument(ctx context.Context, es *elasticsearch.Client, index, id string, doc map[string]interface{}, refresh string) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &Error{Kind: Fatal, Err: fmt.Errorf("failed to marshal document %s/%s: %w", index, id, err)}
	}

	res, err := es.Index(index, bytes.NewReader(body),
		es.Index.WithDocumentID(id),
		es.Index.WithContext(ctx),
		es.Index.WithRefresh(refresh),
	)
	if err != nil {
		return &Error{Kind: Retryable, Err: err}
	}
	defer drain(res)
	return responseError(res, "index", index, id)
}

func getDocument(ctx context.Context, es *elasticsearch.Client, index, id string) (map[string]interface{}, bool, error) {
	res, err := es.Get(index, id, es.Get.WithContext(ctx))
	if err != nil {
		return nil, false, &Error{Kind: Retryable, Err: err}
	}
	defer drain(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if err := responseError(res, "get", index, id); err != nil {
		return nil, false, err
	}

	var body struct {
		Found  bool                   `json:"found"`
		Source map[string]interface{} `json:"_source"`
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s: %w", index, id, err)
	}
	if !body.Found {
		return nil, false, nil
	}
	return models.NormalizeRow(body.Source), true, nil
}

func responseError(res *esapi.Response, op, index, id string) error {
	if !res.IsError() {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &Error{
		Kind: ClassifyStatus(res.StatusCode),
		Err:  fmt.Errorf("%s %s/%s: status %s: %s", op, index, id, strconv.Itoa(res.StatusCode), bytes.TrimSpace(msg)),
	}
}

func drain(res *esapi.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
