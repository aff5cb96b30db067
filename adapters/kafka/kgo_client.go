package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-courier/contract/errors"
)

// Concrete franz-go based constructor and writer wrapper.

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionCodec
	// Group prefixes the consumer group of every bound address. Defaults to DefaultGroup.
	Group string
	// Logger reports fetch and delivery failures. Defaults to slog.Default().
	Logger *slog.Logger
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// kgoReader opens one client per handle: group membership and topic set are per client.
type kgoReader struct {
	opts   []kgo.Opt
	logger *slog.Logger

	mu      sync.Mutex
	handles map[*kgoReadHandle]struct{}
	closed  bool
}

func (r *kgoReader) Read(group string, topics []string, fn func(ctx context.Context, rec Record) error) (ReadHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &kgoReadHandle{reader: r, group: group, fn: fn, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()

		return nil, fmt.Errorf("kafka read: reader closed: %w", berr.ErrAsyncNotConfigured)
	}
	r.handles[h] = struct{}{}
	r.mu.Unlock()

	if len(topics) > 0 {
		if err := h.AddTopics(topics...); err != nil {
			h.Close()
			return nil, err
		}
	}

	return h, nil
}

func (r *kgoReader) close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]*kgoReadHandle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

type kgoReadHandle struct {
	reader *kgoReader
	group  string
	fn     func(ctx context.Context, rec Record) error
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cl     *kgo.Client
	done   chan struct{}
	closed bool
}

// AddTopics starts consuming topics. The client is created with the first topics: a client
// configured without topics cannot add any later.
func (h *kgoReadHandle) AddTopics(topics ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("kafka read: handle closed: %w", berr.ErrAsyncNotConfigured)
	}

	if h.cl != nil {
		h.cl.AddConsumeTopics(topics...)
		return nil
	}

	opts := append(slices.Clone(h.reader.opts), kgo.ConsumeTopics(topics...))
	if h.group != "" {
		opts = append(opts, kgo.ConsumerGroup(h.group), kgo.AutoCommitMarks())
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka reader init: %w", err)
	}

	h.cl, h.done = cl, make(chan struct{})

	go h.poll(cl, h.done)

	return nil
}

// poll hands records to fn one at a time and marks them for commit once fn returns.
func (h *kgoReadHandle) poll(cl *kgo.Client, done chan struct{}) {
	defer close(done)

	for {
		fetches := cl.PollFetches(h.ctx)
		if fetches.IsClientClosed() || h.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			h.reader.logger.Warn("kafka fetch failed", "topic", topic, "partition", partition, "err", err)
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			_ = h.fn(h.ctx, recordOf(rec))

			if h.group != "" {
				cl.MarkCommitRecords(rec)
			}
		})
	}
}

func (h *kgoReadHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.closed = true
	cl, done := h.cl, h.done
	h.mu.Unlock()

	h.cancel()

	if cl != nil {
		<-done
		cl.Close()
	}

	h.reader.mu.Lock()
	delete(h.reader.handles, h)
	h.reader.mu.Unlock()
}

func recordOf(rec *kgo.Record) Record {
	headers := make(map[string]string, len(rec.Headers))
	for _, hd := range rec.Headers {
		headers[hd.Key] = string(hd.Value)
	}

	return Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Headers: headers}
}

// NewWithKgo builds a franz-go client based Adapter that writes through one producer client
// and reads through one client per bound address or subscription. The returned cleanup
// closes all of them.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrConfiguration)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		base = append(base, kgo.DialTLSConfig(cfg.TLS))
	}

	opts := slices.Clone(base)
	if cfg.Idempotent {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
		if cfg.Acks != (kgo.Acks{}) {
			opts = append(opts, kgo.RequiredAcks(cfg.Acks))
		}
	}
	if cfg.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrConfiguration, err)
	}

	reader := &kgoReader{opts: base, logger: cfg.Logger, handles: map[*kgoReadHandle]struct{}{}}

	ad := New(kgoWriter{cl: cl})
	ad.Reader = reader
	ad.Group = cfg.Group
	ad.Logger = cfg.Logger

	cleanup := func() {
		reader.close()
		cl.Close()
	}

	return ad, cleanup, nil
}
