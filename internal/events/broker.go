package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/model"
	redisclient "github.com/stillwater-app/journal-server-go/internal/redis"
)

// Client receives one job's progress events.
type Client struct {
	JobID  string
	Events chan model.JobEvent
	Done   chan struct{}
}

// subscription is one job's Redis pub/sub reader plus the clients fed by
// it. done stops the reader when the last client unsubscribes, so a job
// that comes and goes leaves no goroutine or Redis subscription behind.
type subscription struct {
	clients map[*Client]bool
	done    chan struct{}
}

// Broker fans Redis pub/sub job progress out to connected clients. One
// Redis subscription per job with listeners, shared by all its clients.
type Broker struct {
	redis  *redisclient.Client
	subs   map[string]*subscription // jobID -> reader + clients
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(jobID string) *Client {
	client := &Client{
		JobID:  jobID,
		Events: make(chan model.JobEvent, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	sub := b.subs[jobID]
	if sub == nil {
		sub = &subscription{
			clients: make(map[*Client]bool),
			done:    make(chan struct{}),
		}
		b.subs[jobID] = sub
		go b.subscribeToRedis(jobID, sub.done)
	}
	sub.clients[client] = true
	clientCount := len(sub.clients)
	b.mu.Unlock()

	log.Info().
		Str("jobId", jobID).
		Int("clientCount", clientCount).
		Msg("job events client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[client.JobID]
	if !ok || !sub.clients[client] {
		return
	}

	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		close(sub.done)
		delete(b.subs, client.JobID)
	}

	log.Info().
		Str("jobId", client.JobID).
		Int("clientCount", len(sub.clients)).
		Msg("job events client unsubscribed")
}

// Publish pushes a progress event onto the job's channel. The admission
// script publishes the first queued event itself; this path serves the
// worker's later progress updates.
func (b *Broker) Publish(ctx context.Context, event model.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.JobEventChannel(event.JobID), data).Err()
}

func (b *Broker) subscribeToRedis(jobID string, done <-chan struct{}) {
	channel := redisclient.JobEventChannel(jobID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("jobId", jobID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-done:
			log.Debug().
				Str("jobId", jobID).
				Msg("redis pubsub released, last client gone")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event model.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal job event")
				continue
			}

			b.broadcast(jobID, event)
		}
	}
}

func (b *Broker) broadcast(jobID string, event model.JobEvent) {
	b.mu.RLock()
	var clients []*Client
	if sub := b.subs[jobID]; sub != nil {
		for client := range sub.clients {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("jobId", jobID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		for client := range sub.clients {
			close(client.Done)
		}
	}
	b.subs = make(map[string]*subscription)
}

func (b *Broker) ClientCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub := b.subs[jobID]; sub != nil {
		return len(sub.clients)
	}
	return 0
}
