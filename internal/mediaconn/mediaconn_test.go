package mediaconn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"

	"github.com/Exiqonbotz/phoenix-baileys/internal/watest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func mediaConnResponse(auth string) *waBinary.Node {
	return &waBinary.Node{
		Tag:   "iq",
		Attrs: waBinary.Attrs{"type": "result"},
		Content: []waBinary.Node{{
			Tag:   "media_conn",
			Attrs: waBinary.Attrs{"auth": auth, "ttl": "300"},
			Content: []waBinary.Node{
				{Tag: "host", Attrs: waBinary.Attrs{"hostname": "mmg.whatsapp.net", "maxContentLengthBytes": "104857600"}},
				{Tag: "host", Attrs: waBinary.Attrs{"hostname": "media-fra.cdn.whatsapp.net"}},
			},
		}},
	}
}

func TestGetParsesDescriptor(t *testing.T) {
	tr := &watest.Transport{Handler: func(node waBinary.Node) (*waBinary.Node, error) {
		if node.Attrs["xmlns"] != "w:m" || node.Attrs["type"] != "set" {
			t.Errorf("query attrs: %v", node.Attrs)
		}
		if _, ok := node.GetOptionalChildByTag("media_conn"); !ok {
			t.Error("query missing media_conn")
		}
		return mediaConnResponse("tok"), nil
	}}
	c := New(Config{Transport: tr, Logger: zerolog.Nop()})

	conn, err := c.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Auth != "tok" || conn.TTL != 300*time.Second {
		t.Errorf("got auth %q ttl %v", conn.Auth, conn.TTL)
	}
	if len(conn.Hosts) != 2 || conn.Hosts[0].Hostname != "mmg.whatsapp.net" || conn.Hosts[0].MaxContentLengthBytes != 104857600 {
		t.Errorf("hosts: %+v", conn.Hosts)
	}
	if conn.Hosts[1].MaxContentLengthBytes != 0 {
		t.Errorf("missing limit should be 0, got %d", conn.Hosts[1].MaxContentLengthBytes)
	}
}

func TestTTLReuseAndSingleRefresh(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	clk := &clock{now: t0}

	var queries atomic.Int32
	release := make(chan struct{})
	tr := &watest.Transport{Handler: func(waBinary.Node) (*waBinary.Node, error) {
		n := queries.Add(1)
		if n > 1 {
			<-release
		}
		return mediaConnResponse("tok"), nil
	}}
	c := New(Config{Transport: tr, Logger: zerolog.Nop(), Now: clk.Now})
	ctx := context.Background()

	first, err := c.Get(ctx, false)
	if err != nil {
		t.Fatal(err)
	}

	clk.Set(t0.Add(299 * time.Second))
	again, err := c.Get(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if again != first || queries.Load() != 1 {
		t.Fatalf("descriptor should be reused before ttl, queries=%d", queries.Load())
	}

	clk.Set(t0.Add(301 * time.Second))
	var wg sync.WaitGroup
	results := make([]*Conn, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := c.Get(ctx, false)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = conn
		}()
	}
	// let the callers pile up on the in-flight refresh
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := queries.Load(); got != 2 {
		t.Errorf("queries: got %d, want 2", got)
	}
	for _, r := range results {
		if r == nil || r == first {
			t.Fatal("caller did not get the refreshed descriptor")
		}
		if r != results[0] {
			t.Error("callers got different descriptors")
		}
	}
}

func TestForceRefresh(t *testing.T) {
	var queries atomic.Int32
	tr := &watest.Transport{Handler: func(waBinary.Node) (*waBinary.Node, error) {
		queries.Add(1)
		return mediaConnResponse("tok"), nil
	}}
	c := New(Config{Transport: tr, Logger: zerolog.Nop()})
	ctx := context.Background()
	if _, err := c.Get(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, true); err != nil {
		t.Fatal(err)
	}
	if queries.Load() != 2 {
		t.Errorf("queries: got %d, want 2", queries.Load())
	}
}

func TestGetHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	tr := &watest.Transport{Handler: func(waBinary.Node) (*waBinary.Node, error) {
		<-block
		return mediaConnResponse("tok"), nil
	}}
	c := New(Config{Transport: tr, Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, false); err == nil {
		t.Fatal("expected context error")
	}
}

func TestExpired(t *testing.T) {
	t0 := time.Unix(100, 0)
	conn := &Conn{TTL: 300 * time.Second, FetchedAt: t0}
	if conn.Expired(t0.Add(299 * time.Second)) {
		t.Error("expired too early")
	}
	if !conn.Expired(t0.Add(300 * time.Second)) {
		t.Error("should expire at ttl")
	}
}
