package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cafeorders/internal/orders"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// All keys share the {inventory} hash tag so every script touches a single slot.
const (
	stockPrefix       = "{inventory}:stock:"
	reservationPrefix = "{inventory}:reservation:"
	itemFieldPrefix   = "item:"
	stateField        = "state"
)

const (
	reserveOK      = 0
	reserveShort   = 1
	reserveExists  = 2
	stateNotExists = ""
)

// reserveScript checks every item first and only then decrements, so a shortage
// leaves all counters untouched. ARGV holds item id and quantity pairs.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return {2}
end
local short = {1}
for i = 2, #KEYS do
	local want = tonumber(ARGV[(i - 1) * 2])
	local have = tonumber(redis.call("GET", KEYS[i]) or "0")
	if have < want then
		table.insert(short, i - 1)
		table.insert(short, have)
	end
end
if #short > 1 then
	return short
end
for i = 2, #KEYS do
	redis.call("DECRBY", KEYS[i], ARGV[(i - 1) * 2])
	redis.call("HSET", KEYS[1], "item:" .. ARGV[(i - 1) * 2 - 1], ARGV[(i - 1) * 2])
end
redis.call("HSET", KEYS[1], "state", "RESERVED")
return {0}
`)

var commitScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return ""
end
if state == "RESERVED" then
	redis.call("HSET", KEYS[1], "state", "COMMITTED")
	return "COMMITTED"
end
return state
`)

// releaseScript returns the reserved quantities once. ARGV holds the item ids
// matching KEYS[2..].
var releaseScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return ""
end
if state ~= "RESERVED" then
	return state
end
for i = 2, #KEYS do
	local qty = redis.call("HGET", KEYS[1], "item:" .. ARGV[i - 1])
	if qty then
		redis.call("INCRBY", KEYS[i], qty)
	end
end
redis.call("HSET", KEYS[1], "state", "RELEASED")
return "RELEASED"
`)

// RedisStore keeps stock counters and reservations in Redis. Every mutation is one
// Lua script, so concurrent orders never interleave a check with a decrement.
type RedisStore struct {
	client RedisClient
}

// NewRedisStore constructs a Redis-backed inventory.
func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func stockKey(itemID string) string {
	return stockPrefix + itemID
}

func reservationKey(orderID string) string {
	return reservationPrefix + orderID
}

// Reserve holds every item or nothing.
func (s *RedisStore) Reserve(ctx context.Context, orderID string, items []orders.ReservationItem) (orders.Reservation, error) {
	if err := orders.ValidateReservationItems(orderID, items); err != nil {
		return orders.Reservation{}, err
	}
	wanted := orders.MergeReservationItems(items)

	keys := make([]string, 0, len(wanted)+1)
	args := make([]any, 0, len(wanted)*2)
	keys = append(keys, reservationKey(orderID))
	for _, item := range wanted {
		keys = append(keys, stockKey(item.ItemID))
		args = append(args, item.ItemID, item.Quantity)
	}

	out, err := reserveScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return orders.Reservation{}, orders.Transient("redis inventory reserve", err)
	}
	if len(out) == 0 {
		return orders.Reservation{}, fmt.Errorf("redis inventory reserve: empty reply")
	}

	switch out[0] {
	case reserveOK:
		return orders.Reservation{OrderID: orderID, Items: wanted, State: orders.ReservationReserved}, nil
	case reserveExists:
		return s.load(ctx, orderID)
	case reserveShort:
		shortages := make([]orders.Shortage, 0, (len(out)-1)/2)
		for i := 1; i+1 < len(out); i += 2 {
			item := wanted[out[i]-1]
			shortages = append(shortages, orders.Shortage{
				ItemID:    item.ItemID,
				Available: out[i+1],
				Requested: item.Quantity,
			})
		}
		return orders.Reservation{}, &orders.InsufficientStockError{Shortages: shortages}
	}
	return orders.Reservation{}, fmt.Errorf("redis inventory reserve: unexpected reply %v", out)
}

// Commit finalizes a RESERVED reservation.
func (s *RedisStore) Commit(ctx context.Context, orderID string) (orders.Reservation, error) {
	state, err := commitScript.Run(ctx, s.client, []string{reservationKey(orderID)}).Text()
	if err != nil {
		return orders.Reservation{}, orders.Transient("redis inventory commit", err)
	}
	switch orders.ReservationState(state) {
	case stateNotExists:
		return orders.Reservation{}, orders.ErrReservationNotFound
	case orders.ReservationReleased:
		res, loadErr := s.load(ctx, orderID)
		if loadErr != nil {
			return orders.Reservation{}, loadErr
		}
		return res, orders.ErrReservationReleased
	}
	return s.load(ctx, orderID)
}

// Release returns RESERVED stock. Other states are left untouched.
func (s *RedisStore) Release(ctx context.Context, orderID string) (orders.Reservation, error) {
	res, err := s.load(ctx, orderID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if res.State != orders.ReservationReserved {
		return res, nil
	}

	keys := make([]string, 0, len(res.Items)+1)
	args := make([]any, 0, len(res.Items))
	keys = append(keys, reservationKey(orderID))
	for _, item := range res.Items {
		keys = append(keys, stockKey(item.ItemID))
		args = append(args, item.ItemID)
	}
	state, err := releaseScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return orders.Reservation{}, orders.Transient("redis inventory release", err)
	}
	if state == stateNotExists {
		return orders.Reservation{}, orders.ErrReservationNotFound
	}
	res.State = orders.ReservationState(state)
	return res, nil
}

// Seed sets an item's counter only when it has none.
func (s *RedisStore) Seed(ctx context.Context, itemID string, qty int64) error {
	if err := s.client.SetNX(ctx, stockKey(itemID), qty, 0).Err(); err != nil {
		return orders.Transient("redis inventory seed", err)
	}
	return nil
}

// SetStock overwrites an item's counter.
func (s *RedisStore) SetStock(ctx context.Context, itemID string, qty int64) error {
	return s.client.Set(ctx, stockKey(itemID), qty, 0).Err()
}

// Stock returns an item's available count. Unknown items have none.
func (s *RedisStore) Stock(ctx context.Context, itemID string) (int64, error) {
	n, err := s.client.Get(ctx, stockKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) load(ctx context.Context, orderID string) (orders.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, reservationKey(orderID)).Result()
	if err != nil {
		return orders.Reservation{}, orders.Transient("redis inventory load", err)
	}
	if len(fields) == 0 {
		return orders.Reservation{}, orders.ErrReservationNotFound
	}

	res := orders.Reservation{OrderID: orderID, State: orders.ReservationState(fields[stateField])}
	for field, value := range fields {
		itemID, ok := strings.CutPrefix(field, itemFieldPrefix)
		if !ok {
			continue
		}
		qty, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return orders.Reservation{}, fmt.Errorf("reservation %s item %s: %w", orderID, itemID, err)
		}
		res.Items = append(res.Items, orders.ReservationItem{ItemID: itemID, Quantity: qty})
	}
	sort.Slice(res.Items, func(i, j int) bool { return res.Items[i].ItemID < res.Items[j].ItemID })
	return res, nil
}
