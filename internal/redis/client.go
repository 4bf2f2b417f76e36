package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// Key and channel layout of the coordination store. Every mutation of the
// job counters and lanes goes through the admission script; nothing else
// may read-then-write these keys as two separate steps.

func DeviceKeyKey(keyID string) string {
	return fmt.Sprintf("devicekeys:%s", keyID)
}

func DeviceKeyCooldownKey(userID string) string {
	return fmt.Sprintf("devicekeys:cooldown:%s", userID)
}

func UserInflightKey(userID string) string {
	return fmt.Sprintf("jobs:inflight:%s", userID)
}

func JobKey(jobID string) string {
	return fmt.Sprintf("jobs:job:%s", jobID)
}

func JobEventsKey(jobID string) string {
	return fmt.Sprintf("jobs:events:%s", jobID)
}

func JobEventChannel(jobID string) string {
	return fmt.Sprintf("jobs:events:%s:channel", jobID)
}

const (
	PriorityLaneKey     = "jobs:lane:priority"
	StandardLaneKey     = "jobs:lane:standard"
	JobAvailableChannel = "jobs:available"
)
