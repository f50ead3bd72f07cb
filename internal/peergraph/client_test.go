package peergraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
)

// graphStub is a minimal in-process graph node.
type graphStub struct {
	mu       sync.Mutex
	souls    map[string]*Envelope
	getCalls map[string]int
	fail     int // remaining requests to answer 500
}

func newGraphStub() *graphStub {
	return &graphStub{souls: map[string]*Envelope{}, getCalls: map[string]int{}}
}

func (g *graphStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		soul := r.URL.Query().Get("soul")
		g.mu.Lock()
		g.getCalls[soul]++
		if g.fail > 0 {
			g.fail--
			g.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		env, ok := g.souls[soul]
		g.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(env)
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		var req putRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		if req.Data == nil {
			delete(g.souls, req.Soul)
		} else {
			g.souls[req.Soul] = req.Data
		}
		g.mu.Unlock()
		json.NewEncoder(w).Encode(putResponse{Success: true})
	})
	mux.HandleFunc("/registry", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Registry{
			"did:peer:oip:records:02AA:post-1": {RecordType: "post", CreatorPubKey: "02AA", LastUpdated: 1700000000000},
		})
	})
	return mux
}

func (g *graphStub) calls(soul string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getCalls[soul]
}

func newTestClient(t *testing.T, stub *graphStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL}, zerolog.Nop())
}

func TestClientGet(t *testing.T) {
	t.Run("fetches a stored envelope", func(t *testing.T) {
		stub := newGraphStub()
		stub.souls["soul-a"] = &Envelope{
			Data: map[string]map[string]interface{}{"basic": {"name": "hello"}},
			OIP:  EnvelopeMeta{Did: "did:peer:soul-a", RecordType: "post"},
		}
		c := newTestClient(t, stub)

		env, err := c.Get(context.Background(), "soul-a")
		require.NoError(t, err)
		assert.Equal(t, "hello", env.Data["basic"]["name"])
	})

	t.Run("404 is cached and never retried", func(t *testing.T) {
		stub := newGraphStub()
		c := newTestClient(t, stub)

		_, err := c.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, ErrMissing)
		assert.Equal(t, 1, stub.calls("absent"))

		// The second lookup is answered from the miss cache.
		_, err = c.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, ErrMissing)
		assert.Equal(t, 1, stub.calls("absent"))
	})

	t.Run("transient failures are retried then surfaced", func(t *testing.T) {
		stub := newGraphStub()
		stub.fail = 10
		c := newTestClient(t, stub)

		_, err := c.Get(context.Background(), "soul-a")
		require.Error(t, err)
		assert.True(t, oip.IsKind(err, oip.KindTransientIO))
		assert.Equal(t, 1+getRetries, stub.calls("soul-a"))
	})

	t.Run("a transient failure followed by success recovers", func(t *testing.T) {
		stub := newGraphStub()
		stub.souls["soul-a"] = &Envelope{OIP: EnvelopeMeta{Did: "did:peer:soul-a"}}
		stub.fail = 1
		c := newTestClient(t, stub)

		env, err := c.Get(context.Background(), "soul-a")
		require.NoError(t, err)
		assert.Equal(t, "did:peer:soul-a", env.OIP.Did)
		assert.Equal(t, 2, stub.calls("soul-a"))
	})
}

func TestClientPut(t *testing.T) {
	t.Run("put clears the miss cache entry", func(t *testing.T) {
		stub := newGraphStub()
		c := newTestClient(t, stub)

		_, err := c.Get(context.Background(), "soul-a")
		assert.ErrorIs(t, err, ErrMissing)

		err = c.Put(context.Background(), "soul-a", &Envelope{OIP: EnvelopeMeta{Did: "did:peer:soul-a"}})
		require.NoError(t, err)

		env, err := c.Get(context.Background(), "soul-a")
		require.NoError(t, err)
		assert.Equal(t, "did:peer:soul-a", env.OIP.Did)
	})

	t.Run("tombstone marks the soul missing", func(t *testing.T) {
		stub := newGraphStub()
		stub.souls["soul-a"] = &Envelope{OIP: EnvelopeMeta{Did: "did:peer:soul-a"}}
		c := newTestClient(t, stub)

		require.NoError(t, c.Delete(context.Background(), "soul-a"))
		_, err := c.Get(context.Background(), "soul-a")
		assert.ErrorIs(t, err, ErrMissing)
		// Served from the miss cache without touching the network.
		assert.Equal(t, 0, stub.calls("soul-a"))
	})
}

func TestClientRegistry(t *testing.T) {
	stub := newGraphStub()
	c := newTestClient(t, stub)

	reg, err := c.Registry(context.Background())
	require.NoError(t, err)
	require.Len(t, reg, 1)
	entry := reg["did:peer:oip:records:02AA:post-1"]
	assert.Equal(t, "post", entry.RecordType)
	assert.Equal(t, "02AA", entry.CreatorPubKey)
}
