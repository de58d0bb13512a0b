// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local fallback file for
// development.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/calanque-market/api/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// secretRef is a parsed secret:// reference. The query may carry a project
// override and a version pin.
type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	stripped := *u
	stripped.RawQuery = ""
	stripped.Fragment = ""

	q := u.Query()
	ref := secretRef{
		canonical: stripped.String(),
		name:      name,
		version:   strings.TrimSpace(q.Get("version")),
		project:   strings.TrimSpace(q.Get("project")),
	}
	if ref.version == "" {
		ref.version = "latest"
	}
	return ref, nil
}

func (r secretRef) cacheKey() string {
	return r.canonical + "#" + r.version
}

// Fetcher resolves secret references. Resolved values are cached for the
// process lifetime until Invalidate is called for the reference.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	clientOpts []option.ClientOption
	logger     *zap.Logger

	env            string
	defaultProject string
	projectsByEnv  map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu       sync.Mutex
	cache    map[string]string
	watchers map[string]map[int]chan struct{}
	watchSeq int

	latency        metric.Float64Histogram
	latencyEnabled bool
	hits           metric.Int64Counter
	hitsEnabled    bool
}

// Option adjusts Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment names the deployment environment, used to pick the project
// from the environment map.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		f.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when neither the reference nor the
// environment map names one.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		for env, project := range m {
			f.projectsByEnv[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithFallbackFile points at the local KEY=VALUE fallback file.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithSecretManagerClient injects the backend client, used by tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithClientOptions forwards options when dialing the real client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. When no client is injected and none can be
// dialed, the fetcher still works in fallback-file-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:        zap.NewNop(),
		env:           defaultEnvironment,
		projectsByEnv: map[string]string{},
		fallbackPath:  defaultFallbackPath,
		cache:         map[string]string{},
		watchers:      map[string]map[int]chan struct{}{},
	}
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))); env != "" {
		f.env = env
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	f.registerMetrics()

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager client unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) registerMetrics() {
	meter := otel.GetMeterProvider().Meter(meterName)

	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		f.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	} else {
		f.latency, f.latencyEnabled = latency, true
	}

	hits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		f.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	} else {
		f.hits, f.hitsEnabled = hits, true
	}
}

// Close releases the backend client when the fetcher owns it and drops all
// watcher channels.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, set := range f.watchers {
		delete(f.watchers, canonical)
		for _, ch := range set {
			close(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref, consulting the cache, then
// Secret Manager, then the fallback file. Access failures that are not
// permission or availability problems abort the resolution.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseRef(raw)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	cached, ok := f.cache[ref.cacheKey()]
	f.mu.Unlock()
	if ok {
		f.recordHit(ctx, ref)
		f.recordLatency(ctx, start, "cache", nil)
		return cached, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, project, ref)
		if err == nil {
			f.store(ref, value)
			f.recordLatency(ctx, start, "remote", nil)
			return value, nil
		}
		if !fallbackEligible(err) {
			f.recordLatency(ctx, start, "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", ref.canonical), zap.Error(err))
	}

	value, ok := f.fromFallback(ref)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
		f.recordLatency(ctx, start, "error", err)
		return "", err
	}
	f.store(ref, value)
	f.recordLatency(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops cached values for the reference and signals subscribers.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseRef(raw)
	if err != nil {
		return
	}

	prefix := ref.canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	for _, ch := range f.watchers[ref.canonical] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()
}

// Subscribe returns a channel that fires when the reference is invalidated.
// The returned cancel removes the subscription.
func (f *Fetcher) Subscribe(raw string) (<-chan struct{}, func()) {
	ref, err := parseRef(raw)
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed, func() {}
	}

	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.watchSeq++
	id := f.watchSeq
	set := f.watchers[ref.canonical]
	if set == nil {
		set = map[int]chan struct{}{}
		f.watchers[ref.canonical] = set
	}
	set[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if set := f.watchers[ref.canonical]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(f.watchers, ref.canonical)
			}
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *Fetcher) store(ref secretRef, value string) {
	f.mu.Lock()
	f.cache[ref.cacheKey()] = value
	f.mu.Unlock()
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if project := f.projectsByEnv[f.env]; project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref secretRef) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	return string(resp.Payload.GetData()), nil
}

// fromFallback looks the reference up in the local file, first by versioned
// key and then by the bare canonical form.
func (f *Fetcher) fromFallback(ref secretRef) (string, bool) {
	f.fallbackOnce.Do(f.loadFallbackFile)

	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallback[ref.cacheKey()]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.canonical]
	return value, ok
}

func (f *Fetcher) loadFallbackFile() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}

	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", f.fallbackPath, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		// sm:// is accepted as a legacy spelling of secret://.
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		if ref, err := parseRef(key); err == nil {
			f.fallback[ref.canonical] = value
			f.fallback[ref.cacheKey()] = value
		} else {
			f.fallback[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", f.fallbackPath, err)
	}
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string, err error) {
	if !f.latencyEnabled {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) recordHit(ctx context.Context, ref secretRef) {
	if !f.hitsEnabled {
		return
	}
	digest := sha256.Sum256([]byte(ref.canonical))
	f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", hex.EncodeToString(digest[:8]))))
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
