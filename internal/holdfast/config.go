package holdfast

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// Self is the origin the application sees (scheme://host[:port]).
		// Requests for any other origin are passed through untouched.
		Self    string `yaml:"self"`
		Timeout string `yaml:"timeout"`
		// PassThroughHosts lists the other origins (host or host:port) that
		// absolute-form requests may be forwarded to. All others get 421.
		PassThroughHosts []string `yaml:"passThroughHosts"`

		selfURL    *url.URL
		timeoutDur time.Duration
		passHosts  map[string]struct{}
	} `yaml:"server"`

	Cache struct {
		Name     string   `yaml:"name"`
		Version  string   `yaml:"version"`
		Precache []string `yaml:"precache"`
		// Manifest is an optional sitemap (plain or gzipped) listing more
		// shell URLs to precache on install.
		Manifest          string `yaml:"manifest"`
		BackgroundRefresh *bool  `yaml:"backgroundRefresh"`
	} `yaml:"cache"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`

		ramBytes  int64
		diskBytes int64
	} `yaml:"storage"`

	Queue struct {
		MaxBody    string `yaml:"maxBody"`
		AckMessage string `yaml:"ackMessage"`

		maxBodyBytes int64
	} `yaml:"queue"`

	Replay struct {
		Every             string `yaml:"every"`
		MaxBackoff        string `yaml:"maxBackoff"`
		MaxAttempts       int    `yaml:"maxAttempts"`
		MaxAge            string `yaml:"maxAge"`
		IdempotencyHeader string `yaml:"idempotencyHeader"`

		everyDur      time.Duration
		maxBackoffDur time.Duration
		maxAgeDur     time.Duration
	} `yaml:"replay"`

	Connectivity struct {
		Probe string `yaml:"probe"`
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"connectivity"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

// Rule overrides the default read strategy for matching same-origin paths.
type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	// Strategy is one of "cache-first", "network-first" or "pass-through".
	Strategy string `yaml:"strategy"`
	Bypass   bool   `yaml:"bypass"`

	// compiled
	matchers []pathPrefixMatcher
	decision Decision
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

const defaultAckMessage = "You are offline. The change was saved and will be sent when the connection returns."

// passThroughAllowed reports whether requests for u's origin may be forwarded.
func (c *Config) passThroughAllowed(u *url.URL) bool {
	if _, ok := c.Server.passHosts[strings.ToLower(u.Host)]; ok {
		return true
	}
	_, ok := c.Server.passHosts[strings.ToLower(u.Hostname())]
	return ok
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.Self == "" {
		cfg.Server.Self = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	self, err := url.Parse(strings.TrimRight(cfg.Server.Self, "/"))
	if err != nil {
		return Config{}, fmt.Errorf("server.self: %w", err)
	}
	if self.Scheme == "" || self.Host == "" {
		return Config{}, fmt.Errorf("server.self must be an absolute origin, got %q", cfg.Server.Self)
	}
	cfg.Server.selfURL = self
	cfg.Server.passHosts = make(map[string]struct{}, len(cfg.Server.PassThroughHosts))
	for i, h := range cfg.Server.PassThroughHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || strings.Contains(h, "/") {
			return Config{}, fmt.Errorf("server.passThroughHosts[%d]: want host or host:port, got %q", i, cfg.Server.PassThroughHosts[i])
		}
		cfg.Server.passHosts[h] = struct{}{}
	}
	if cfg.Server.timeoutDur, err = durationOr(cfg.Server.Timeout, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("server.timeout: %w", err)
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "holdfast-shell"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if strings.Contains(cfg.Cache.Name+cfg.Cache.Version, "\x00") {
		return Config{}, fmt.Errorf("cache.name and cache.version must not contain NUL")
	}
	if cfg.Cache.BackgroundRefresh == nil {
		on := true
		cfg.Cache.BackgroundRefresh = &on
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "32m"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "512m"
	}
	if cfg.Storage.ramBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return Config{}, fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.diskBytes, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return Config{}, fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Queue.MaxBody == "" {
		cfg.Queue.MaxBody = "10m"
	}
	if cfg.Queue.maxBodyBytes, err = parseBytes(cfg.Queue.MaxBody); err != nil {
		return Config{}, fmt.Errorf("queue.maxBody: %w", err)
	}
	if cfg.Queue.AckMessage == "" {
		cfg.Queue.AckMessage = defaultAckMessage
	}

	if cfg.Replay.everyDur, err = durationOr(cfg.Replay.Every, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("replay.every: %w", err)
	}
	if cfg.Replay.maxBackoffDur, err = durationOr(cfg.Replay.MaxBackoff, 10*time.Minute); err != nil {
		return Config{}, fmt.Errorf("replay.maxBackoff: %w", err)
	}
	if cfg.Replay.maxAgeDur, err = durationOr(cfg.Replay.MaxAge, 0); err != nil {
		return Config{}, fmt.Errorf("replay.maxAge: %w", err)
	}
	if cfg.Replay.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("replay.maxAttempts must not be negative")
	}
	cfg.Replay.IdempotencyHeader = strings.TrimSpace(cfg.Replay.IdempotencyHeader)

	if cfg.Connectivity.Probe == "" {
		cfg.Connectivity.Probe = "/"
	}
	if cfg.Connectivity.everyDur, err = durationOr(cfg.Connectivity.Every, 5*time.Second); err != nil {
		return Config{}, fmt.Errorf("connectivity.every: %w", err)
	}

	if cfg.Logging.statsEveryDur, err = durationOr(cfg.Logging.StatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		d, err := parseStrategy(r.Strategy, r.Bypass)
		if err != nil {
			return Config{}, fmt.Errorf("rules[%d].strategy: %w", i, err)
		}
		r.decision = d
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return cfg, nil
}

// Generation is the name of the asset cache owned by this version.
func (c Config) Generation() string {
	return c.Cache.Name + "-" + c.Cache.Version
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseStrategy(s string, bypass bool) (Decision, error) {
	if bypass {
		return DecisionPassThrough, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cache-first":
		return DecisionCacheFirst, nil
	case "network-first":
		return DecisionNetworkFirst, nil
	case "pass-through":
		return DecisionPassThrough, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// originURL maps an intercepted same-origin request URI onto the backend.
func (c Config) originURL(requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return c.Server.Origin + requestURI
}

// httpClient is shared by the cache, the replay engine and the probes.
func (c Config) httpClient(rt http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   c.Server.timeoutDur,
		Transport: rt,
		// Redirects belong to the application, not to the proxy.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
