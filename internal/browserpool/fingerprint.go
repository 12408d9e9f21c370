package browserpool

import "sync"

// Fingerprint is the runtime-property bundle a PreLaunch/PrePageCreate/
// PostPageCreate hook trio attaches to a launch context and an opened
// page. This struct is only the shape the hooks pass around, and
// FingerprintGenerator below is the seam a caller plugs a real
// generator into.
type Fingerprint struct {
	UserAgent        string
	AcceptLanguage   string
	ScreenWidth      int
	ScreenHeight     int
	TimezoneID       string
	RuntimeOverrides map[string]string
}

// FingerprintGenerator produces a Fingerprint for a cache key (proxy URL
// or session id).
type FingerprintGenerator interface {
	Generate(key string) (*Fingerprint, error)
}

// RotatingUserAgentGenerator is a trivial deterministic generator: it
// cycles a fixed pool of desktop user agents and otherwise returns a flat
// fingerprint, which is enough to exercise the hook wiring without
// standing in for a real anti-detection fingerprint generator.
type RotatingUserAgentGenerator struct {
	mu     sync.Mutex
	agents []string
	next   int
}

// DefaultUserAgents is a small rotation pool of recent desktop Chrome
// user agent strings.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// NewRotatingUserAgentGenerator returns a generator cycling agents (or
// DefaultUserAgents if empty).
func NewRotatingUserAgentGenerator(agents []string) *RotatingUserAgentGenerator {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &RotatingUserAgentGenerator{agents: agents}
}

// Generate returns the next user agent in rotation, ignoring key: rotation
// is global, not per-key.
func (g *RotatingUserAgentGenerator) Generate(key string) (*Fingerprint, error) {
	g.mu.Lock()
	ua := g.agents[g.next]
	g.next = (g.next + 1) % len(g.agents)
	g.mu.Unlock()
	return &Fingerprint{UserAgent: ua, AcceptLanguage: "en-US,en;q=0.9"}, nil
}

// fingerprintCache is a bounded LRU of key -> *Fingerprint (a slice kept in
// recency order plus a map), written independently of requeststore's LRU
// since browserpool must not import requeststore (it would be a layering
// cycle: requeststore wires Fetch callbacks that may themselves drive a
// browserpool page).
type fingerprintCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	values   map[string]*Fingerprint
}

func newFingerprintCache(capacity int) *fingerprintCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &fingerprintCache{capacity: capacity, values: make(map[string]*Fingerprint)}
}

func (c *fingerprintCache) Get(key string) (*Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.values[key]
	if ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
				break
			}
		}
	}
	return fp, ok
}

func (c *fingerprintCache) Put(key string, fp *Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.values[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.values, oldest)
		}
	}
	c.values[key] = fp
}
