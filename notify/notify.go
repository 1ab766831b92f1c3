// Package notify carries change events from the remote store to watching clients.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Op is the kind of write that produced an event.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Event announces one committed write on the remote store.
type Event struct {
	Kind   domain.Kind `json:"kind"`
	Op     Op          `json:"op"`
	ID     string      `json:"id"`
	UserID string      `json:"userId,omitempty"`
	Time   time.Time   `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisPublisher publishes events on a redis pub/sub channel.
type RedisPublisher struct {
	rc      *redis.Client
	channel string
}

// NewRedisPublisher returns a publisher for channel.
func NewRedisPublisher(rc *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rc: rc, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, payload).Err()
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher enqueues events on an Azure storage queue.
type QueuePublisher struct {
	q queueClient
}

// NewQueuePublisher connects to queue using a storage connection string.
func NewQueuePublisher(connStr, queue string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{q: qc}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.q.EnqueueMessage(ctx, string(payload), nil)
	return err
}

// Subscribe delivers events from channel to handle until ctx is done,
// resubscribing when the connection drops. Undecodable messages are logged
// and skipped.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, handle func(context.Context, Event)) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev Event
				if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).WithField("channel", channel).Error("unable to parse change event")
					continue
				}
				handle(ctx, ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
