// Package devices resolves accounts to their device addresses through the
// USync device query, with a per-user cache in front.
package devices

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Address is one device of an account. Device 0 is the primary phone.
type Address struct {
	User   string `json:"user"`
	Device uint16 `json:"device"`
}

// JID encodes the address on server.
func (a Address) JID(server string) types.JID {
	return wa.DeviceJID(a.User, a.Device, server)
}

type Config struct {
	Transport wa.Transport
	Cache     Cache
	Me        types.JID // own device, excluded from results
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Directory resolves device lists.
type Directory struct {
	transport wa.Transport
	cache     Cache
	me        types.JID
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Directory {
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache(DefaultTTL)
	}
	return &Directory{
		transport: cfg.Transport,
		cache:     cfg.Cache,
		me:        cfg.Me,
		logger:    cfg.Logger.With().Str("component", "devices").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Resolve returns the devices of every account in jids. Cached lists are
// used only when useCache is set; all remaining users go into one query and
// their fresh lists replace the cached ones. With ignoreZero, primary
// devices (id 0) are dropped. The cache always holds the server's list as
// reported; both filters run when reading it.
func (d *Directory) Resolve(ctx context.Context, jids []types.JID, useCache, ignoreZero bool) ([]Address, error) {
	if !useCache {
		d.logger.Debug().Msg("not using cache for devices")
	}

	var (
		results []Address
		users   []waBinary.Node
		seen    = make(map[types.JID]struct{}, len(jids))
	)
	for _, jid := range jids {
		bare := wa.Bare(jid)
		if _, dup := seen[bare]; dup {
			continue
		}
		seen[bare] = struct{}{}

		if useCache {
			if cached, ok := d.cache.Get(ctx, jid.User); ok {
				d.metrics.CacheHit()
				d.logger.Trace().Str("user", jid.User).Msg("using cache for devices")
				results = append(results, d.filter(cached, ignoreZero)...)
				continue
			}
			d.metrics.CacheMiss()
		}
		users = append(users, waBinary.Node{Tag: "user", Attrs: waBinary.Attrs{"jid": bare}})
	}
	if len(users) == 0 {
		return results, nil
	}

	d.metrics.USyncQuery()
	resp, err := d.transport.Query(ctx, usyncQuery(users))
	if err != nil {
		return nil, fmt.Errorf("devices: usync query: %w", err)
	}
	if err := wa.CheckError(resp); err != nil {
		return nil, fmt.Errorf("devices: usync query: %w", err)
	}

	extracted := extractDevices(resp)

	// Full replace per user, in first-seen order.
	byUser := make(map[string][]Address)
	var order []string
	for _, a := range extracted {
		if _, ok := byUser[a.User]; !ok {
			order = append(order, a.User)
		}
		byUser[a.User] = append(byUser[a.User], a)
	}
	for _, user := range order {
		d.cache.Set(ctx, user, byUser[user])
	}
	fresh := d.filter(extracted, ignoreZero)
	results = append(results, fresh...)
	d.logger.Debug().Int("users", len(users)).Int("devices", len(fresh)).Msg("fetched devices")
	return results, nil
}

// filter drops our own sending device and, with ignoreZero, primary devices.
func (d *Directory) filter(addrs []Address, ignoreZero bool) []Address {
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if ignoreZero && a.Device == 0 {
			continue
		}
		if d.me.Device != 0 && a.User == d.me.User && a.Device == d.me.Device {
			continue
		}
		out = append(out, a)
	}
	return out
}

func usyncQuery(users []waBinary.Node) waBinary.Node {
	return waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"to":    types.ServerJID,
			"type":  "get",
			"xmlns": "usync",
		},
		Content: []waBinary.Node{{
			Tag: "usync",
			Attrs: waBinary.Attrs{
				"sid":     uuid.NewString(),
				"mode":    "query",
				"last":    "true",
				"index":   "0",
				"context": "message",
			},
			Content: []waBinary.Node{
				{
					Tag: "query",
					Content: []waBinary.Node{{
						Tag:   "devices",
						Attrs: waBinary.Attrs{"version": "2"},
					}},
				},
				{Tag: "list", Content: users},
			},
		}},
	}
}

// extractDevices reads usync > list > user > devices > device-list > device.
// A companion device (id != 0) without key-index is skipped.
func extractDevices(resp *waBinary.Node) []Address {
	var out []Address
	for _, child := range resp.GetChildren() {
		list, ok := child.GetOptionalChildByTag("list")
		if !ok {
			continue
		}
		for _, user := range list.GetChildren() {
			if user.Tag != "user" {
				continue
			}
			jid, ok := attrJID(user.Attrs["jid"])
			if !ok {
				continue
			}
			deviceList, ok := user.GetOptionalChildByTag("devices", "device-list")
			if !ok {
				continue
			}
			for _, dev := range deviceList.GetChildren() {
				if dev.Tag != "device" {
					continue
				}
				id, ok := attrUint16(dev.Attrs["id"])
				if !ok {
					continue
				}
				if _, hasKeyIndex := dev.Attrs["key-index"]; id != 0 && !hasKeyIndex {
					continue
				}
				out = append(out, Address{User: jid.User, Device: id})
			}
		}
	}
	return out
}

func attrJID(v any) (types.JID, bool) {
	switch j := v.(type) {
	case types.JID:
		return j, true
	case string:
		jid, err := types.ParseJID(j)
		return jid, err == nil
	}
	return types.JID{}, false
}

func attrUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case string:
		id, err := strconv.ParseUint(n, 10, 16)
		return uint16(id), err == nil
	case int:
		return uint16(n), true
	case uint16:
		return n, true
	}
	return 0, false
}
