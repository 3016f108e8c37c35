// Package kafka implements the wallet ledger client over a Kafka
// request/reply channel. Each request carries a correlation id; a background
// consumer matches replies back to their waiting caller. The channel is
// at-least-once: at most one logical debit is attempted per turn and
// direction, and duplicate replies for a correlation id are dropped.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Config contains ledger channel settings.
type Config struct {
	Brokers      []string `env:"LEDGER_KAFKA_BROKERS"       envSeparator:"," envDefault:"localhost:9092"`
	BalanceTopic string   `env:"LEDGER_KAFKA_BALANCE_TOPIC"                  envDefault:"wallet.get_balance"`
	DebitTopic   string   `env:"LEDGER_KAFKA_DEBIT_TOPIC"                    envDefault:"wallet.debit"`
	ReplyTopic   string   `env:"LEDGER_KAFKA_REPLY_TOPIC"                    envDefault:"wallet.replies"`
	GroupID      string   `env:"LEDGER_KAFKA_GROUP_ID"                       envDefault:"markl-wallet"`
	Timeout      int      `env:"LEDGER_KAFKA_TIMEOUT"                        envDefault:"10"` // seconds
}

const correlationHeader = "correlation_id"

// Client implements domain.LedgerClient.
type Client struct {
	writer       *kafka.Writer
	reader       *kafka.Reader
	balanceTopic string
	debitTopic   string
	timeout      time.Duration

	mu      sync.Mutex
	pending map[string]chan walletReply
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// walletRequest is the wire shape of an outbound ledger request.
type walletRequest struct {
	CorrelationID string         `json:"correlation_id"`
	WalletKey     string         `json:"wallet_key"`
	Amount        float64        `json:"amount,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// walletReply is the normalized inbound reply. The upstream ledger has
// shipped more than one shape over time; normalizeReply maps any of them into
// this record before it reaches the orchestrator.
type walletReply struct {
	CorrelationID string
	Success       bool
	Message       string
	Balance       float64
}

// rawReply covers the known upstream reply shapes: balance either at the top
// level or as the first element of a data array.
type rawReply struct {
	CorrelationID string   `json:"correlation_id"`
	Success       *bool    `json:"success"`
	Msg           string   `json:"msg"`
	Balance       *float64 `json:"balance"`
	Data          []struct {
		Balance float64 `json:"balance"`
	} `json:"data"`
}

func normalizeReply(value []byte) (walletReply, error) {
	var raw rawReply
	if err := json.Unmarshal(value, &raw); err != nil {
		return walletReply{}, fmt.Errorf("malformed ledger reply: %w", err)
	}

	reply := walletReply{
		CorrelationID: raw.CorrelationID,
		Success:       true,
		Message:       raw.Msg,
	}
	if raw.Success != nil {
		reply.Success = *raw.Success
	}

	switch {
	case raw.Balance != nil:
		reply.Balance = *raw.Balance
	case len(raw.Data) > 0:
		reply.Balance = raw.Data[0].Balance
	}

	return reply, nil
}

// NewClient creates the ledger client and starts the reply consumer.
func NewClient(cfg *Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("ledger kafka brokers are required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.ReplyTopic,
	})

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		writer:       writer,
		reader:       reader,
		balanceTopic: cfg.BalanceTopic,
		debitTopic:   cfg.DebitTopic,
		timeout:      time.Duration(cfg.Timeout) * time.Second,
		pending:      make(map[string]chan walletReply),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go client.consumeReplies(ctx)

	return client, nil
}

// Close stops the reply consumer and releases the Kafka connections.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done

	writerErr := c.writer.Close()
	readerErr := c.reader.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

// GetBalance reads the current balance for a wallet key.
func (c *Client) GetBalance(ctx context.Context, walletKey string) (*domain.Balance, error) {
	reply, err := c.request(ctx, c.balanceTopic, walletRequest{
		WalletKey: walletKey,
	})
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("ledger rejected balance request: %s", reply.Message)
	}

	return &domain.Balance{WalletKey: walletKey, Amount: reply.Balance}, nil
}

// Debit charges the wallet.
func (c *Client) Debit(ctx context.Context, walletKey string, amount float64, reason string, metadata map[string]any) (*domain.DebitResult, error) {
	reply, err := c.request(ctx, c.debitTopic, walletRequest{
		WalletKey: walletKey,
		Amount:    amount,
		Reason:    reason,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	return &domain.DebitResult{Success: reply.Success, Balance: reply.Balance}, nil
}

// request publishes one correlated request and waits for its reply or the
// deadline, whichever comes first. A timeout is a hard failure.
func (c *Client) request(ctx context.Context, topic string, req walletRequest) (walletReply, error) {
	req.CorrelationID = uuid.New().String()

	replyCh := make(chan walletReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return walletReply{}, fmt.Errorf("ledger client is closed")
	}
	c.pending[req.CorrelationID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
	}()

	value, err := json.Marshal(req)
	if err != nil {
		return walletReply{}, fmt.Errorf("failed to marshal ledger request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(req.WalletKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: correlationHeader, Value: []byte(req.CorrelationID)},
		},
	})
	if err != nil {
		return walletReply{}, fmt.Errorf("failed to publish ledger request: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return walletReply{}, fmt.Errorf("ledger request timed out: %w", ctx.Err())
	}
}

// consumeReplies routes inbound replies to their waiting caller. Replies with
// no waiter (late arrivals after a timeout) are dropped.
func (c *Client) consumeReplies(ctx context.Context) {
	defer close(c.done)
	logger := observability.FromContext(ctx)

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to read ledger reply", observability.Error(err))
			continue
		}

		reply, err := normalizeReply(msg.Value)
		if err != nil {
			logger.Warn("dropping malformed ledger reply", observability.Error(err))
			continue
		}
		if reply.CorrelationID == "" {
			reply.CorrelationID = headerValue(msg.Headers, correlationHeader)
		}

		c.mu.Lock()
		waiter, ok := c.pending[reply.CorrelationID]
		if ok {
			delete(c.pending, reply.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			logger.Debug("dropping unmatched ledger reply",
				observability.String("correlation_id", reply.CorrelationID))
			continue
		}
		waiter <- reply
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
