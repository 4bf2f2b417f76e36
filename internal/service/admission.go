package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/config"
	"github.com/stillwater-app/journal-server-go/internal/model"
	redisclient "github.com/stillwater-app/journal-server-go/internal/redis"
)

// admissionScript is the single indivisible admission step. Everything
// between the cap checks and the lane push happens inside one script run
// so concurrent requests for the same user cannot interleave. KEYS:
// user in-flight counter, priority lane, standard lane, job descriptor,
// job event log. ARGV: user limit, queue capacity, job id, descriptor,
// first event, event TTL seconds, lane name, counter TTL seconds,
// descriptor TTL seconds, event channel, job-available channel.
var admissionScript = redis.NewScript(`
local inflight = tonumber(redis.call('GET', KEYS[1]) or '0')
local userLimit = tonumber(ARGV[1])
if inflight >= userLimit then
    return {'ratelimited', inflight, userLimit}
end

local total = redis.call('LLEN', KEYS[2]) + redis.call('LLEN', KEYS[3])
local capacity = tonumber(ARGV[2])
if total >= capacity then
    return {'backpressure', total, capacity}
end

redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[8])

redis.call('SET', KEYS[4], ARGV[4], 'EX', ARGV[9])

redis.call('RPUSH', KEYS[5], ARGV[5])
redis.call('EXPIRE', KEYS[5], ARGV[6])
redis.call('PUBLISH', ARGV[10], ARGV[5])

if ARGV[7] == 'priority' then
    redis.call('RPUSH', KEYS[2], ARGV[3])
else
    redis.call('RPUSH', KEYS[3], ARGV[3])
end
redis.call('PUBLISH', ARGV[11], ARGV[3])

return {'queued', total + 1, capacity}
`)

// completeScript clears a worker's claim: decrement the user's in-flight
// counter without going below zero and drop the descriptor.
var completeScript = redis.NewScript(`
local inflight = tonumber(redis.call('GET', KEYS[1]) or '0')
if inflight > 0 then
    redis.call('DECR', KEYS[1])
end
redis.call('DEL', KEYS[2])
return inflight
`)

type AdmissionStatus string

const (
	AdmissionQueued       AdmissionStatus = "queued"
	AdmissionRatelimited  AdmissionStatus = "ratelimited"
	AdmissionBackpressure AdmissionStatus = "backpressure"
)

// AdmissionResult reports one admission attempt. At and Limit carry the
// observed counter and the cap that produced a rejection.
type AdmissionResult struct {
	Status   AdmissionStatus `json:"status"`
	JobID    string          `json:"jobId,omitempty"`
	Resource string          `json:"resource,omitempty"`
	At       int             `json:"at,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

type AdmitParams struct {
	UserID        string
	Tier          model.UserTier
	EntryUID      string
	MasterKeyUID  string
	EncryptedTask []byte
	Lane          model.JobLane
}

// AdmissionService is the only writer of the job counters and lanes. All
// counter mutations run through the admission and completion scripts;
// nothing reads-then-writes these keys in two steps.
type AdmissionService struct {
	redis *redisclient.Client
}

func NewAdmissionService(redis *redisclient.Client) *AdmissionService {
	return &AdmissionService{redis: redis}
}

func limitsFor(tier model.UserTier) (userLimit, capacity int) {
	if tier == model.TierElevated {
		return config.ElevatedUserJobLimit, config.ElevatedQueueCapacity
	}
	return config.StandardUserJobLimit, config.StandardQueueCapacity
}

// Admit runs the atomic admission step and, on success, returns the
// queued job id. Rejections are results, not errors; errors mean the
// coordination store itself failed.
func (s *AdmissionService) Admit(ctx context.Context, params AdmitParams) (*AdmissionResult, error) {
	jobID := uuid.NewString()
	now := time.Now()

	descriptor, err := json.Marshal(model.JobDescriptor{
		JobID:         jobID,
		UserID:        params.UserID,
		EntryUID:      params.EntryUID,
		MasterKeyUID:  params.MasterKeyUID,
		EncryptedTask: params.EncryptedTask,
		Lane:          params.Lane,
		EnqueuedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job descriptor: %w", err)
	}

	firstEvent, err := json.Marshal(model.JobEvent{
		JobID:  jobID,
		Status: model.JobStatusQueued,
		At:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job event: %w", err)
	}

	userLimit, capacity := limitsFor(params.Tier)

	keys := []string{
		redisclient.UserInflightKey(params.UserID),
		redisclient.PriorityLaneKey,
		redisclient.StandardLaneKey,
		redisclient.JobKey(jobID),
		redisclient.JobEventsKey(jobID),
	}
	argv := []any{
		userLimit,
		capacity,
		jobID,
		descriptor,
		firstEvent,
		int(config.JobEventTTL.Seconds()),
		string(params.Lane),
		int(config.JobLockTTL.Seconds()),
		int(config.JobDescriptorTTL.Seconds()),
		redisclient.JobEventChannel(jobID),
		redisclient.JobAvailableChannel,
	}

	raw, err := admissionScript.Run(ctx, s.redis.Client, keys, argv...).Slice()
	if err != nil {
		return nil, fmt.Errorf("run admission script: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected admission script result: %v", raw)
	}

	status, _ := raw[0].(string)
	at := asInt(raw[1])
	limit := asInt(raw[2])

	switch AdmissionStatus(status) {
	case AdmissionQueued:
		log.Info().
			Str("userId", params.UserID).
			Str("jobId", jobID).
			Str("lane", string(params.Lane)).
			Int("queued", at).
			Msg("job admitted")
		return &AdmissionResult{Status: AdmissionQueued, JobID: jobID}, nil

	case AdmissionRatelimited:
		log.Warn().
			Str("userId", params.UserID).
			Int("at", at).
			Int("limit", limit).
			Msg("job admission ratelimited")
		return &AdmissionResult{
			Status:   AdmissionRatelimited,
			Resource: "user_queued_jobs",
			At:       at,
			Limit:    limit,
		}, nil

	case AdmissionBackpressure:
		log.Warn().
			Str("userId", params.UserID).
			Int("at", at).
			Int("limit", limit).
			Msg("job admission backpressure")
		return &AdmissionResult{
			Status:   AdmissionBackpressure,
			Resource: "total_queued_jobs",
			At:       at,
			Limit:    limit,
		}, nil

	default:
		return nil, fmt.Errorf("unexpected admission status %q", status)
	}
}

// Complete clears the user's in-flight claim for a finished job. Owned by
// the generation worker, exposed here because the counter layout is.
func (s *AdmissionService) Complete(ctx context.Context, userID, jobID string) error {
	keys := []string{
		redisclient.UserInflightKey(userID),
		redisclient.JobKey(jobID),
	}
	if err := completeScript.Run(ctx, s.redis.Client, keys).Err(); err != nil {
		return fmt.Errorf("run completion script: %w", err)
	}
	return nil
}

// Job fetches a queued job's descriptor, nil when expired or unknown.
func (s *AdmissionService) Job(ctx context.Context, jobID string) (*model.JobDescriptor, error) {
	raw, err := s.redis.Get(ctx, redisclient.JobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job descriptor: %w", err)
	}
	var descriptor model.JobDescriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("unmarshal job descriptor: %w", err)
	}
	return &descriptor, nil
}

// Events returns the stored progress events of a job, oldest first.
func (s *AdmissionService) Events(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	raw, err := s.redis.LRange(ctx, redisclient.JobEventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load job events: %w", err)
	}

	events := make([]model.JobEvent, 0, len(raw))
	for _, payload := range raw {
		var event model.JobEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Warn().Str("jobId", jobID).Err(err).Msg("skipping malformed job event")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
