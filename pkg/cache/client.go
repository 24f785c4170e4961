package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

const (
	fieldID   = "id"
	fieldUID  = "uid"
	fieldUUID = "uuid"

	dateLayout = "20060102"
	flushBatch = 100
)

// Client provides namespaced Redis operations for the panel cache.
// The client is safe for concurrent use; multi-key updates run as
// MULTI/EXEC transactions.
type Client struct {
	rdb       *redis.Client
	namespace string
	expiry    atomic.Int64
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used to turn day offsets into dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithExpiry sets the initial TTL in seconds of timeline writes.
func WithExpiry(seconds int) Option {
	return func(c *Client) { c.SetExpiry(seconds) }
}

// NewClient creates a cache client whose keys live under panl:{namespace}:.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string, opts ...Option) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	c := &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Namespace returns the key namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// SetExpiry sets the TTL in seconds applied to subsequent timeline, meeting
// info and meeting id writes. Zero disables expiry.
func (c *Client) SetExpiry(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.expiry.Store(int64(seconds))
}

// Expiry returns the current TTL; zero means keys never expire.
func (c *Client) Expiry() time.Duration {
	return time.Duration(c.expiry.Load()) * time.Second
}

func (c *Client) date(dayOffset int8) string {
	return panl.StartOfDay(c.now()).AddDate(0, 0, int(dayOffset)).Format(dateLayout)
}

func startField(start uint16) string {
	return strconv.FormatUint(uint64(start), 10)
}

func parseUID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func expire(ctx context.Context, pipe redis.Pipeliner, ttl time.Duration, keys ...string) {
	if ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, ttl)
	}
}

// addUnconfiguredScript registers a path atomically. An existing record
// keeps its id and takes the newly reported UUID. New ids come from the
// sequence, which restarts at 1 after maxID and skips ids still in use.
//
// KEYS: unconfigured:{uid}, sequence, agent:{agent}
// ARGV: uid, uuid, unconfigured_id key prefix, maxID
var addUnconfiguredScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if id then
  id = tonumber(id)
else
  local max = tonumber(ARGV[4])
  id = redis.call('INCR', KEYS[2])
  if id > max then
    id = 1
  end
  local tries = 0
  while redis.call('EXISTS', ARGV[3] .. id) == 1 do
    tries = tries + 1
    if tries >= max then
      return redis.error_reply('no free unconfigured id')
    end
    id = id % max + 1
  end
  redis.call('SET', KEYS[2], id)
end
redis.call('HSET', KEYS[1], 'id', id, 'uuid', ARGV[2])
redis.call('HSET', ARGV[3] .. id, 'uid', ARGV[1], 'uuid', ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return id
`)

// AddUnconfigured records a panel reporting a UUID no room is linked to and
// returns the number shown on it. Repeated calls for the same path return
// the same id and store the latest UUID; new paths get increasing ids until
// the sequence wraps after math.MaxUint16.
func (c *Client) AddUnconfigured(ctx context.Context, path panl.Path, uuid string) (uint16, error) {
	uid := path.UID()
	keys := []string{
		UnconfiguredKey(c.namespace, uid),
		SequenceKey(c.namespace),
		AgentKey(c.namespace, path.Agent),
	}
	id, err := addUnconfiguredScript.Run(ctx, c.rdb, keys,
		uid, uuid, UnconfiguredIDPrefix(c.namespace), math.MaxUint16).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to register unconfigured panel: %w", err)
	}
	return uint16(id), nil
}

// GetUnconfigured looks up the panel showing id.
func (c *Client) GetUnconfigured(ctx context.Context, id uint16) (*Unconfigured, error) {
	rec, err := c.rdb.HGetAll(ctx, UnconfiguredIDKey(c.namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read unconfigured id: %w", err)
	}
	if len(rec) == 0 {
		return nil, ErrNotFound
	}
	uid, err := parseUID(rec[fieldUID])
	if err != nil {
		return nil, fmt.Errorf("corrupt unconfigured record %d: %w", id, err)
	}
	return &Unconfigured{ID: id, Path: panl.PathFromUID(uid), UUID: rec[fieldUUID]}, nil
}

// AddConfigured binds a panel to a room. The unconfigured record is cleared
// and name and address are written without expiry.
func (c *Client) AddConfigured(ctx context.Context, path panl.Path, room Room) error {
	uid := path.UID()
	unconfKey := UnconfiguredKey(c.namespace, uid)

	var idCmd, prevCmd *redis.StringCmd
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		idCmd = pipe.HGet(ctx, unconfKey, fieldID)
		prevCmd = pipe.Get(ctx, AddressKey(c.namespace, uid))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read panel state: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, unconfKey)
		if id, perr := strconv.ParseUint(idCmd.Val(), 10, 16); perr == nil {
			pipe.Del(ctx, UnconfiguredIDKey(c.namespace, uint16(id)))
		}
		if prev := prevCmd.Val(); prev != "" && prev != room.Address {
			pipe.SRem(ctx, RoomKey(c.namespace, prev), uid)
		}
		pipe.Set(ctx, NameKey(c.namespace, uid), room.Name, 0)
		pipe.Set(ctx, AddressKey(c.namespace, uid), room.Address, 0)
		pipe.SAdd(ctx, AgentKey(c.namespace, path.Agent), uid)
		pipe.SAdd(ctx, RoomKey(c.namespace, room.Address), uid)
		pipe.SAdd(ctx, RoomsKey(c.namespace), room.Address)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write configured panel: %w", err)
	}
	return nil
}

// RemoveAgent forgets every panel behind agent: pending membership, room
// name and address, room membership, unconfigured record and auth grant.
func (c *Client) RemoveAgent(ctx context.Context, agent uint32) error {
	agentKey := AgentKey(c.namespace, agent)
	members, err := c.rdb.SMembers(ctx, agentKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read agent panels: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	type panel struct {
		uid     uint64
		address *redis.StringCmd
		unconf  *redis.StringCmd
	}
	panels := make([]panel, 0, len(members))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			uid, perr := parseUID(m)
			if perr != nil {
				continue
			}
			panels = append(panels, panel{
				uid:     uid,
				address: pipe.Get(ctx, AddressKey(c.namespace, uid)),
				unconf:  pipe.HGet(ctx, UnconfiguredKey(c.namespace, uid), fieldID),
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read agent panel state: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range panels {
			pipe.SRem(ctx, PendingKey(c.namespace), p.uid)
			pipe.Del(ctx,
				NameKey(c.namespace, p.uid),
				AddressKey(c.namespace, p.uid),
				UnconfiguredKey(c.namespace, p.uid),
				AuthKey(c.namespace, p.uid),
			)
			if addr := p.address.Val(); addr != "" {
				pipe.SRem(ctx, RoomKey(c.namespace, addr), p.uid)
			}
			if id, perr := strconv.ParseUint(p.unconf.Val(), 10, 16); perr == nil {
				pipe.Del(ctx, UnconfiguredIDKey(c.namespace, uint16(id)))
			}
		}
		pipe.Del(ctx, agentKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove agent %d: %w", agent, err)
	}
	return nil
}

// GetAgentPaths returns the panels recorded behind agent, ordered by address.
func (c *Client) GetAgentPaths(ctx context.Context, agent uint32) ([]panl.Path, error) {
	return c.paths(ctx, AgentKey(c.namespace, agent))
}

// AddPending queues a panel until the calendar becomes ready.
func (c *Client) AddPending(ctx context.Context, path panl.Path) error {
	if err := c.rdb.SAdd(ctx, PendingKey(c.namespace), path.UID()).Err(); err != nil {
		return fmt.Errorf("failed to add pending panel: %w", err)
	}
	return nil
}

// ConsumePending atomically reads and clears the pending set, then calls fn
// for every member. Errors from fn do not stop the iteration and are joined.
func (c *Client) ConsumePending(ctx context.Context, fn func(panl.Path) error) error {
	key := PendingKey(c.namespace)
	var members *redis.StringSliceCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to consume pending panels: %w", err)
	}

	var errs []error
	for _, m := range members.Val() {
		uid, err := parseUID(m)
		if err != nil {
			continue
		}
		if err := fn(panl.PathFromUID(uid)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetTimeline returns the entries matching req. ok is false when the day was
// never fetched or its sentinel expired; a fetched day with no meetings
// returns an empty slice and ok true. Reads do not refresh TTLs.
func (c *Client) GetTimeline(ctx context.Context, path panl.Path, req panl.TimelineRequest) (entries []panl.TimelineEntry, ok bool, err error) {
	entries, ok, err = c.GetDay(ctx, path, req.Point.DayOffset)
	if err != nil || !ok {
		return nil, ok, err
	}
	return FilterTimeline(entries, req.Point.Minutes, req.LookForward, req.MaxCount), true, nil
}

// GetDay returns every cached entry of a day in ascending start order.
func (c *Client) GetDay(ctx context.Context, path panl.Path, day int8) ([]panl.TimelineEntry, bool, error) {
	uid, date := path.UID(), c.date(day)

	var exists *redis.IntCmd
	var raw *redis.MapStringStringCmd
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, DayKey(c.namespace, uid, date))
		raw = pipe.HGetAll(ctx, EntriesKey(c.namespace, uid, date))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read timeline: %w", err)
	}
	if exists.Val() == 0 {
		return nil, false, nil
	}

	entries := make([]panl.TimelineEntry, 0, len(raw.Val()))
	for field, value := range raw.Val() {
		start, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt timeline entry %q: %w", field, err)
		}
		end, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt timeline entry %q: %w", field, err)
		}
		entries = append(entries, panl.TimelineEntry{Start: uint16(start), End: uint16(end)})
	}
	sortEntries(entries)
	return entries, true, nil
}

// SetTimeline replaces a day's entries and marks the day fetched.
// Meeting info and ids of the day are cleared.
func (c *Client) SetTimeline(ctx context.Context, path panl.Path, day int8, entries []panl.TimelineEntry) error {
	meetings := make([]Meeting, len(entries))
	for i, e := range entries {
		meetings[i] = Meeting{Entry: e}
	}
	return c.SetDay(ctx, path, day, meetings)
}

// SetDay replaces everything cached for a day in one transaction. The
// sentinel, entries, meeting info and ids all get the current expiry.
func (c *Client) SetDay(ctx context.Context, path panl.Path, day int8, meetings []Meeting) error {
	uid, date := path.UID(), c.date(day)
	dayKey := DayKey(c.namespace, uid, date)
	entriesKey := EntriesKey(c.namespace, uid, date)
	infoKey := InfoKey(c.namespace, uid, date)
	idKey := MeetingIDKey(c.namespace, uid, date)

	entries := make(map[string]interface{}, len(meetings))
	infos := make(map[string]interface{})
	ids := make(map[string]interface{})
	for _, m := range meetings {
		f := startField(m.Entry.Start)
		entries[f] = m.Entry.End
		if m.Info != nil {
			b, err := json.Marshal(m.Info)
			if err != nil {
				return fmt.Errorf("failed to marshal meeting info: %w", err)
			}
			infos[f] = b
		}
		if m.ID != "" {
			ids[f] = m.ID
		}
	}

	ttl := c.Expiry()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entriesKey, infoKey, idKey)
		pipe.Set(ctx, dayKey, 1, ttl)
		if len(entries) > 0 {
			pipe.HSet(ctx, entriesKey, entries)
			expire(ctx, pipe, ttl, entriesKey)
		}
		if len(infos) > 0 {
			pipe.HSet(ctx, infoKey, infos)
			expire(ctx, pipe, ttl, infoKey)
		}
		if len(ids) > 0 {
			pipe.HSet(ctx, idKey, ids)
			expire(ctx, pipe, ttl, idKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write timeline: %w", err)
	}
	return nil
}

// SetTimelineEntry adds or replaces one entry of a day.
func (c *Client) SetTimelineEntry(ctx context.Context, path panl.Path, day int8, entry panl.TimelineEntry) error {
	key := EntriesKey(c.namespace, path.UID(), c.date(day))
	ttl := c.Expiry()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, startField(entry.Start), entry.End)
		expire(ctx, pipe, ttl, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write timeline entry: %w", err)
	}
	return nil
}

// RemoveTimelineEntry deletes the entry starting at start together with its
// meeting info and id.
func (c *Client) RemoveTimelineEntry(ctx context.Context, path panl.Path, day int8, start uint16) error {
	uid, date, f := path.UID(), c.date(day), startField(start)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, EntriesKey(c.namespace, uid, date), f)
		pipe.HDel(ctx, InfoKey(c.namespace, uid, date), f)
		pipe.HDel(ctx, MeetingIDKey(c.namespace, uid, date), f)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove timeline entry: %w", err)
	}
	return nil
}

// GetTimelineEntryEnd returns the cached end of the entry starting at start.
func (c *Client) GetTimelineEntryEnd(ctx context.Context, path panl.Path, day int8, start uint16) (uint16, error) {
	v, err := c.hget(ctx, EntriesKey(c.namespace, path.UID(), c.date(day)), startField(start))
	if err != nil {
		return 0, err
	}
	end, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("corrupt timeline entry: %w", err)
	}
	return uint16(end), nil
}

// SetMeetingInfo caches what a panel displays for the meeting at tp.
func (c *Client) SetMeetingInfo(ctx context.Context, path panl.Path, tp panl.TimePoint, info panl.MeetingInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting info: %w", err)
	}
	return c.hsetExpire(ctx, InfoKey(c.namespace, path.UID(), c.date(tp.DayOffset)), startField(tp.Minutes), b)
}

// GetMeetingInfo returns the cached info of the meeting starting at tp.
func (c *Client) GetMeetingInfo(ctx context.Context, path panl.Path, tp panl.TimePoint) (panl.MeetingInfo, error) {
	var info panl.MeetingInfo
	v, err := c.hget(ctx, InfoKey(c.namespace, path.UID(), c.date(tp.DayOffset)), startField(tp.Minutes))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return info, fmt.Errorf("failed to unmarshal meeting info: %w", err)
	}
	return info, nil
}

// SetMeetingID caches the calendar id of the meeting starting at tp.
func (c *Client) SetMeetingID(ctx context.Context, path panl.Path, tp panl.TimePoint, id string) error {
	return c.hsetExpire(ctx, MeetingIDKey(c.namespace, path.UID(), c.date(tp.DayOffset)), startField(tp.Minutes), id)
}

// GetMeetingID returns the calendar id of the meeting starting at tp.
func (c *Client) GetMeetingID(ctx context.Context, path panl.Path, tp panl.TimePoint) (string, error) {
	return c.hget(ctx, MeetingIDKey(c.namespace, path.UID(), c.date(tp.DayOffset)), startField(tp.Minutes))
}

// GetRoomName returns the name of the room a panel shows.
func (c *Client) GetRoomName(ctx context.Context, path panl.Path) (string, error) {
	return c.get(ctx, NameKey(c.namespace, path.UID()))
}

// GetRoomAddress returns the address of the room a panel shows.
func (c *Client) GetRoomAddress(ctx context.Context, path panl.Path) (string, error) {
	return c.get(ctx, AddressKey(c.namespace, path.UID()))
}

// GetRoomPaths returns the panels currently showing a room.
func (c *Client) GetRoomPaths(ctx context.Context, address string) ([]panl.Path, error) {
	return c.paths(ctx, RoomKey(c.namespace, address))
}

// GetOnlineRooms returns the addresses of rooms with at least one panel, sorted.
func (c *Client) GetOnlineRooms(ctx context.Context) ([]string, error) {
	rooms, err := c.rdb.SMembers(ctx, RoomsKey(c.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rooms: %w", err)
	}

	cards := make([]*redis.IntCmd, len(rooms))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range rooms {
			cards[i] = pipe.SCard(ctx, RoomKey(c.namespace, r))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read room panels: %w", err)
	}

	online := make([]string, 0, len(rooms))
	for i, r := range rooms {
		if cards[i].Val() > 0 {
			online = append(online, r)
		}
	}
	sort.Strings(online)
	return online, nil
}

// SetAuthSuccess records that email logged in at a panel. The grant lasts
// AuthTTL and is consumed by the next panel operation.
func (c *Client) SetAuthSuccess(ctx context.Context, path panl.Path, email string) error {
	if err := c.rdb.Set(ctx, AuthKey(c.namespace, path.UID()), email, AuthTTL).Err(); err != nil {
		return fmt.Errorf("failed to write auth grant: %w", err)
	}
	return nil
}

// ConsumeAuth returns and deletes the panel's auth grant. An empty string
// means no grant.
func (c *Client) ConsumeAuth(ctx context.Context, path panl.Path) (string, error) {
	email, err := c.rdb.GetDel(ctx, AuthKey(c.namespace, path.UID())).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume auth grant: %w", err)
	}
	return email, nil
}

// Flush deletes every key of the namespace.
func (c *Client) Flush(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, namespacePattern(c.namespace), flushBatch).Iterator()
	batch := make([]string, 0, flushBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == flushBatch {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to flush cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to flush cache: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (c *Client) hget(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (c *Client) hsetExpire(ctx context.Context, key, field string, value interface{}) error {
	ttl := c.Expiry()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		expire(ctx, pipe, ttl, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (c *Client) paths(ctx context.Context, key string) ([]panl.Path, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	uids := make([]uint64, 0, len(members))
	for _, m := range members {
		if uid, err := parseUID(m); err == nil {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	paths := make([]panl.Path, len(uids))
	for i, uid := range uids {
		paths[i] = panl.PathFromUID(uid)
	}
	return paths, nil
}
