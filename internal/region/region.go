// Package region holds the static directory of broker socket endpoints.
package region

import (
	"math/rand/v2"
	"strings"
)

// Class separates demo endpoints from real-money endpoints.
type Class uint8

const (
	// ClassReal endpoints accept real-account sessions.
	ClassReal Class = iota
	// ClassDemo endpoints accept demo-account sessions.
	ClassDemo
)

func (c Class) String() string {
	if c == ClassDemo {
		return "demo"
	}
	return "real"
}

// Endpoint is one named socket address of the broker fleet.
type Endpoint struct {
	Name     string
	URL      string
	Class    Class
	Priority int // 1-based rank among priority regions; 0 when not prioritised
}

const urlSuffix = "/socket.io/?EIO=4&transport=websocket"

func wss(host string) string {
	return "wss://" + host + urlSuffix
}

// endpoints is ordered the way ListAll(false) reports them.
var endpoints = []Endpoint{
	{Name: "EUROPA", URL: wss("api-eu.po.market"), Class: ClassReal, Priority: 1},
	{Name: "SEYCHELLES", URL: wss("api-sc.po.market"), Class: ClassReal, Priority: 2},
	{Name: "HONGKONG", URL: wss("api-hk.po.market"), Class: ClassReal, Priority: 3},
	{Name: "SERVER1", URL: wss("api-spb.po.market"), Class: ClassReal},
	{Name: "FRANCE2", URL: wss("api-fr2.po.market"), Class: ClassReal, Priority: 4},
	{Name: "UNITED_STATES4", URL: wss("api-us4.po.market"), Class: ClassReal, Priority: 5},
	{Name: "UNITED_STATES3", URL: wss("api-us3.po.market"), Class: ClassReal},
	{Name: "UNITED_STATES2", URL: wss("api-us2.po.market"), Class: ClassReal},
	{Name: "DEMO", URL: wss("demo-api-eu.po.market"), Class: ClassDemo},
	{Name: "DEMO_2", URL: wss("try-demo-eu.po.market"), Class: ClassDemo},
	{Name: "UNITED_STATES", URL: wss("api-us-north.po.market"), Class: ClassReal},
	{Name: "RUSSIA", URL: wss("api-msk.po.market"), Class: ClassReal},
	{Name: "SERVER2", URL: wss("api-l.po.market"), Class: ClassReal},
	{Name: "INDIA", URL: wss("api-in.po.market"), Class: ClassReal},
	{Name: "FRANCE", URL: wss("api-fr.po.market"), Class: ClassReal},
	{Name: "FINLAND", URL: wss("api-fin.po.market"), Class: ClassReal},
	{Name: "SERVER3", URL: wss("api-c.po.market"), Class: ClassReal},
	{Name: "ASIA", URL: wss("api-asia.po.market"), Class: ClassReal},
	{Name: "SERVER4", URL: wss("api-us-south.po.market"), Class: ClassReal},
}

// Endpoints returns a copy of every endpoint of the given class in directory order.
func Endpoints(class Class) []Endpoint {
	out := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Class == class {
			out = append(out, ep)
		}
	}
	return out
}

// ListAll returns every real endpoint URL, shuffled when randomize is set.
// Demo endpoints are excluded; use ListDemo for those.
func ListAll(randomize bool) []string {
	urls := urlsOf(Endpoints(ClassReal))
	if randomize {
		rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
	}
	return urls
}

// ListDemo returns the demo endpoint URLs.
func ListDemo() []string {
	return urlsOf(Endpoints(ClassDemo))
}

// ListPriority returns the preferred real endpoints, EUROPA first.
func ListPriority() []string {
	ranked := make([]Endpoint, 0, 8)
	for _, ep := range endpoints {
		if ep.Priority > 0 {
			ranked = append(ranked, ep)
		}
	}
	// insertion sort; the list is tiny and already nearly ordered
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Priority < ranked[j-1].Priority; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return urlsOf(ranked)
}

// ListReal returns the priority endpoints followed by the remaining real endpoints.
func ListReal() []string {
	out := ListPriority()
	seen := make(map[string]struct{}, len(endpoints))
	for _, u := range out {
		seen[u] = struct{}{}
	}
	for _, ep := range endpoints {
		if ep.Class != ClassReal {
			continue
		}
		if _, ok := seen[ep.URL]; ok {
			continue
		}
		out = append(out, ep.URL)
	}
	return out
}

// Lookup resolves a region name to its URL. Matching ignores case.
func Lookup(name string) (string, bool) {
	ep, ok := Find(name)
	if !ok {
		return "", false
	}
	return ep.URL, true
}

// Find resolves a region name to its endpoint record.
func Find(name string) (Endpoint, bool) {
	key := strings.TrimSpace(name)
	for _, ep := range endpoints {
		if strings.EqualFold(ep.Name, key) {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Resolve accepts either a region name or a literal ws/wss URL.
func Resolve(nameOrURL string) (string, bool) {
	trimmed := strings.TrimSpace(nameOrURL)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "wss://") || strings.HasPrefix(lower, "ws://") {
		return trimmed, true
	}
	return Lookup(trimmed)
}

// Names returns every region name in directory order.
func Names() []string {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		out[i] = ep.Name
	}
	return out
}

func urlsOf(eps []Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.URL
	}
	return out
}
