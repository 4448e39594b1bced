package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reflow/pkg/api"
)

// RedisStore implements InstanceStore and HistoryStore on Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>          => gob-encoded redisInstancePayload
//	<prefix>idx:all            => SET of all instance IDs
//	<prefix>hist:<id>          => LIST of gob-encoded history events (current execution)
//	<prefix>hist:<id>:archive  => LIST of gob-encoded history events (pre-reset audit)
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisStore)(nil)

var _ HistoryStore = (*RedisStore)(nil)

type redisInstancePayload struct {
	ID               string
	Name             string
	Status           string
	Generation       int
	ParentID         string
	ParentTaskID     int
	ParentGeneration int
	Input            []byte
	Output           []byte
	Error            string
	CreatedAt        int64
	LastUpdated      int64
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "reflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "reflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }
func (s *RedisStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisStore) keyHistory(id string) string  { return s.prefix + "hist:" + id }
func (s *RedisStore) keyArchive(id string) string  { return s.prefix + "hist:" + id + ":archive" }

func encodeInstancePayload(inst *api.OrchestrationInstance) ([]byte, error) {
	inBytes, err := EncodeValue(inst.Input)
	if err != nil {
		return nil, err
	}
	outBytes, err := EncodeValue(inst.Output)
	if err != nil {
		return nil, err
	}

	errStr := ""
	if inst.Err != nil {
		errStr = inst.Err.Error()
	}

	payload := redisInstancePayload{
		ID:               inst.ID,
		Name:             inst.Name,
		Status:           string(inst.Status),
		Generation:       inst.Generation,
		ParentID:         inst.ParentID,
		ParentTaskID:     inst.ParentTaskID,
		ParentGeneration: inst.ParentGeneration,
		Input:            inBytes,
		Output:           outBytes,
		Error:            errStr,
		CreatedAt:        inst.CreatedAt.UnixNano(),
		LastUpdated:      inst.LastUpdated.UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInstancePayload(data []byte) (*api.OrchestrationInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	inVal, err := DecodeValue(payload.Input)
	if err != nil {
		return nil, err
	}
	outVal, err := DecodeValue(payload.Output)
	if err != nil {
		return nil, err
	}

	inst := &api.OrchestrationInstance{
		ID:               payload.ID,
		Name:             payload.Name,
		Status:           api.Status(payload.Status),
		Generation:       payload.Generation,
		ParentID:         payload.ParentID,
		ParentTaskID:     payload.ParentTaskID,
		ParentGeneration: payload.ParentGeneration,
		Input:            inVal,
		Output:           outVal,
		CreatedAt:        time.Unix(0, payload.CreatedAt),
		LastUpdated:      time.Unix(0, payload.LastUpdated),
	}
	if payload.Error != "" {
		inst.Err = errors.New(payload.Error)
	}
	return inst, nil
}

func (s *RedisStore) SaveInstance(inst *api.OrchestrationInstance) error {
	return s.writeInstance(inst)
}

func (s *RedisStore) UpdateInstance(inst *api.OrchestrationInstance) error {
	ctx := context.Background()
	exists, err := s.client.Exists(ctx, s.keyInstance(inst.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrInstanceNotFound
	}
	return s.writeInstance(inst)
}

func (s *RedisStore) writeInstance(inst *api.OrchestrationInstance) error {
	ctx := context.Background()

	data, err := encodeInstancePayload(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetInstance(id string) (*api.OrchestrationInstance, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstancePayload(data)
}

func (s *RedisStore) ListInstances(filter InstanceFilter) ([]*api.OrchestrationInstance, error) {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.OrchestrationInstance
	for _, id := range ids {
		inst, err := s.GetInstance(id)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Name != "" && inst.Name != filter.Name {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst)
	}

	return result, nil
}

func encodeHistoryEvent(ev api.HistoryEvent) ([]byte, error) {
	// Payloads inside the event go through EncodeValue so the event struct
	// itself stays gob-encodable without per-type registration.
	input, err := EncodeValue(ev.Input)
	if err != nil {
		return nil, err
	}
	result, err := EncodeValue(ev.Result)
	if err != nil {
		return nil, err
	}

	wire := redisEventPayload{
		InstanceID: ev.InstanceID,
		At:         ev.At.UnixNano(),
		Type:       string(ev.Type),
		TaskID:     ev.TaskID,
		Name:       ev.Name,
		Input:      input,
		Result:     result,
		Error:      ev.Error,
		Reason:     ev.Reason,
	}
	if !ev.FireAt.IsZero() {
		wire.FireAt = ev.FireAt.UnixNano()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wire); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type redisEventPayload struct {
	InstanceID string
	At         int64
	Type       string
	TaskID     int
	Name       string
	Input      []byte
	Result     []byte
	Error      string
	FireAt     int64
	Reason     string
}

func decodeHistoryEvent(data []byte) (api.HistoryEvent, error) {
	var wire redisEventPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return api.HistoryEvent{}, err
	}

	input, err := DecodeValue(wire.Input)
	if err != nil {
		return api.HistoryEvent{}, err
	}
	result, err := DecodeValue(wire.Result)
	if err != nil {
		return api.HistoryEvent{}, err
	}

	ev := api.HistoryEvent{
		InstanceID: wire.InstanceID,
		At:         time.Unix(0, wire.At),
		Type:       api.EventType(wire.Type),
		TaskID:     wire.TaskID,
		Name:       wire.Name,
		Input:      input,
		Result:     result,
		Error:      wire.Error,
		Reason:     wire.Reason,
	}
	if wire.FireAt != 0 {
		ev.FireAt = time.Unix(0, wire.FireAt)
	}
	return ev, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := encodeHistoryEvent(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyHistory(ev.InstanceID), data).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	return s.listEvents(ctx, s.keyHistory(instanceID))
}

func (s *RedisStore) ListArchivedEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	return s.listEvents(ctx, s.keyArchive(instanceID))
}

func (s *RedisStore) listEvents(ctx context.Context, key string) ([]api.HistoryEvent, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := decodeHistoryEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) ArchiveHistory(ctx context.Context, instanceID string) error {
	raw, err := s.client.LRange(ctx, s.keyHistory(instanceID), 0, -1).Result()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	items := make([]any, len(raw))
	for i, r := range raw {
		items[i] = r
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.keyArchive(instanceID), items...)
	pipe.Del(ctx, s.keyHistory(instanceID))
	_, err = pipe.Exec(ctx)
	return err
}
