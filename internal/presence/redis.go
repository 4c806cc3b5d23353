package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis is a Registry shared by every process. Driver state lives in a hash
// per driver and reachable drivers are indexed in a GEO set. Every mutation
// is a Lua script on the driver's hash, which serializes updates per driver.
//
// Scripts reply with a status code followed by the driver hash as a flat
// field/value list: "-1" unknown driver, "0" no-op, "1" applied.
type Redis struct {
	client *redis.Client
	geoKey string
	clock  clockwork.Clock
}

func NewRedis(client *redis.Client, geoKey string, clock clockwork.Clock) *Redis {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{client: client, geoKey: geoKey, clock: clock}
}

func metaKey(id string) string { return "driver:presence:" + id }

const replyState = `
local r = redis.call('HGETALL', KEYS[1])
table.insert(r, 1, code)
return r
`

var setOnlineScript = redis.NewScript(`
local order = redis.call('HGET', KEYS[1], 'active_order') or ''
local status = 'online'
if order ~= '' then status = 'in_ride' end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'status', status, 'lat', ARGV[2], 'lng', ARGV[3], 'updated', ARGV[4], 'active_order', order)
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
local code = '1'
` + replyState)

var setOfflineScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {'-1'} end
redis.call('HSET', KEYS[1], 'status', 'offline')
redis.call('ZREM', KEYS[2], ARGV[1])
local code = '1'
` + replyState)

var updateLocationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {'-1'} end
local code = '0'
local status = redis.call('HGET', KEYS[1], 'status')
local prev = tonumber(redis.call('HGET', KEYS[1], 'pinged') or '') or -1
if status ~= 'offline' and tonumber(ARGV[4]) > prev then
  redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'pinged', ARGV[4], 'updated', ARGV[5])
  redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
  code = '1'
end
` + replyState)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {'-1'} end
local order = redis.call('HGET', KEYS[1], 'active_order') or ''
local status = redis.call('HGET', KEYS[1], 'status')
local code = '0'
if order == ARGV[2] then
  code = '1'
elseif order == '' and status == 'online' then
  redis.call('HSET', KEYS[1], 'status', 'in_ride', 'active_order', ARGV[2])
  code = '1'
end
` + replyState)

var restoreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'id', ARGV[1], 'status', 'offline', 'lat', '0', 'lng', '0', 'updated', ARGV[3], 'active_order', '')
end
local order = redis.call('HGET', KEYS[1], 'active_order') or ''
local code = '0'
if order == ARGV[2] then
  code = '1'
elseif order == '' then
  redis.call('HSET', KEYS[1], 'active_order', ARGV[2])
  if redis.call('HGET', KEYS[1], 'status') == 'online' then
    redis.call('HSET', KEYS[1], 'status', 'in_ride')
  end
  code = '1'
end
` + replyState)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {'-1'} end
local code = '0'
local order = redis.call('HGET', KEYS[1], 'active_order') or ''
if order == ARGV[2] then
  if redis.call('HGET', KEYS[1], 'status') == 'in_ride' then
    redis.call('HSET', KEYS[1], 'status', 'online')
  end
  redis.call('HSET', KEYS[1], 'active_order', '')
  code = '1'
end
` + replyState)

func (r *Redis) run(ctx context.Context, s *redis.Script, driverID string, args ...any) (string, models.DriverPresence, error) {
	reply, err := s.Run(ctx, r.client, []string{metaKey(driverID), r.geoKey}, append([]any{driverID}, args...)...).StringSlice()
	if err != nil {
		return "", models.DriverPresence{}, fmt.Errorf("presence script for %s: %w", driverID, err)
	}
	if len(reply) == 0 {
		return "", models.DriverPresence{}, errors.New("presence script: empty reply")
	}
	fields := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}
	p, err := parsePresence(driverID, fields)
	return reply[0], p, err
}

func parsePresence(driverID string, m map[string]string) (models.DriverPresence, error) {
	p := models.DriverPresence{DriverID: driverID}
	if len(m) == 0 {
		return p, nil
	}
	p.Status = models.DriverStatus(m["status"])
	p.ActiveOrderID = m["active_order"]
	var err error
	if p.Location.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return p, fmt.Errorf("presence %s: bad lat: %w", driverID, err)
	}
	if p.Location.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return p, fmt.Errorf("presence %s: bad lng: %w", driverID, err)
	}
	ms, err := strconv.ParseInt(m["updated"], 10, 64)
	if err != nil {
		return p, fmt.Errorf("presence %s: bad updated: %w", driverID, err)
	}
	p.UpdatedAt = time.UnixMilli(ms).UTC()
	if v := m["pinged"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("presence %s: bad pinged: %w", driverID, err)
		}
		p.LastPingAt = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (r *Redis) SetOnline(ctx context.Context, driverID string, loc models.Coord) (models.DriverPresence, error) {
	_, p, err := r.run(ctx, setOnlineScript, driverID, formatFloat(loc.Lat), formatFloat(loc.Lng), r.clock.Now().UnixMilli())
	return p, err
}

func (r *Redis) SetOffline(ctx context.Context, driverID string) (models.DriverPresence, error) {
	code, p, err := r.run(ctx, setOfflineScript, driverID)
	if err != nil {
		return p, err
	}
	if code == "-1" {
		return p, ErrPresenceNotFound
	}
	return p, nil
}

func (r *Redis) UpdateLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) (models.DriverPresence, bool, error) {
	code, p, err := r.run(ctx, updateLocationScript, driverID, formatFloat(loc.Lat), formatFloat(loc.Lng), at.UnixMilli(), r.clock.Now().UnixMilli())
	if err != nil {
		return p, false, err
	}
	return p, code == "1", nil
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("presence get %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverPresence{}, ErrPresenceNotFound
	}
	return parsePresence(driverID, m)
}

func (r *Redis) FindNearestOnline(ctx context.Context, spec CandidateSpec) (*Candidates, error) {
	if spec.RadiusMeters <= 0 {
		return nil, errors.New("redis presence search requires a radius")
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey, spec.Origin.Lng, spec.Origin.Lat, &redis.GeoRadiusQuery{
		Radius: spec.RadiusMeters,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence geo search: %w", err)
	}
	if len(res) == 0 {
		return newCandidates(spec, nil), nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	snapshot := make([]models.DriverPresence, 0, len(res))
	for i, g := range res {
		p, err := parsePresence(g.Name, cmds[i].Val())
		if err != nil || p.Status == "" {
			continue
		}
		snapshot = append(snapshot, p)
	}
	return newCandidates(spec, snapshot), nil
}

func (r *Redis) Claim(ctx context.Context, driverID, orderID string) (models.DriverPresence, error) {
	code, p, err := r.run(ctx, claimScript, driverID, orderID)
	if err != nil {
		return p, err
	}
	switch code {
	case "-1":
		return p, ErrPresenceNotFound
	case "0":
		return p, ErrDriverUnavailable
	}
	return p, nil
}

func (r *Redis) Restore(ctx context.Context, driverID, orderID string) (models.DriverPresence, error) {
	code, p, err := r.run(ctx, restoreScript, driverID, orderID, r.clock.Now().UnixMilli())
	if err != nil {
		return p, err
	}
	if code == "0" {
		return p, ErrDriverUnavailable
	}
	return p, nil
}

func (r *Redis) Release(ctx context.Context, driverID, orderID string) (models.DriverPresence, error) {
	code, p, err := r.run(ctx, releaseScript, driverID, orderID)
	if err != nil {
		return p, err
	}
	if code == "-1" {
		return p, ErrPresenceNotFound
	}
	return p, nil
}

// CountOnline counts drivers in the GEO index, which holds every driver that is not offline.
func (r *Redis) CountOnline(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.geoKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}
