package artwork_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index/indextest"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/ratelimit"
)

var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x42}, 64)...)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

type stubOracle struct {
	initialized bool
	owned       map[item.ID]bool
	meta        map[item.ID]map[string]string
}

func (o *stubOracle) Initialized() bool { return o.initialized }

func (o *stubOracle) IsOwned(id item.ID) bool { return o.owned[id] }

func (o *stubOracle) Metadata(id item.ID, key string) (string, bool) {
	v, ok := o.meta[id][key]
	return v, ok
}

type stubLedger struct {
	mu        sync.Mutex
	skip      map[string]bool
	failures  map[string]int
	successes map[string]int
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		skip:      make(map[string]bool),
		failures:  make(map[string]int),
		successes: make(map[string]int),
	}
}

func (l *stubLedger) key(id item.ID, locale item.Locale) string {
	return fmt.Sprintf("%d/%s", id, locale)
}

func (l *stubLedger) ShouldSkip(_ context.Context, id item.ID, locale item.Locale) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skip[l.key(id, locale)]
}

func (l *stubLedger) RecordFailure(_ context.Context, id item.ID, locale item.Locale, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[l.key(id, locale)]++
	return nil
}

func (l *stubLedger) RecordSuccess(_ context.Context, id item.ID, locale item.Locale) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes[l.key(id, locale)]++
	return nil
}

func (l *stubLedger) failureCount(id item.ID, locale item.Locale) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[l.key(id, locale)]
}

func (l *stubLedger) successCount(id item.ID, locale item.Locale) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.successes[l.key(id, locale)]
}

type stubBudget struct {
	mu       sync.Mutex
	blocked  map[string]bool
	marked   []string
	acquired int
	outcomes []ratelimit.Outcome
}

func newStubBudget() *stubBudget {
	return &stubBudget{blocked: make(map[string]bool)}
}

func (b *stubBudget) Acquire(_ context.Context, origin string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked[origin] {
		return ratelimit.ErrOriginBlocked
	}
	b.acquired++
	return nil
}

func (b *stubBudget) Release(_ string, outcome ratelimit.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, outcome)
}

func (b *stubBudget) MarkBlocked(origin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, origin)
}

func (b *stubBudget) Stats() []ratelimit.OriginStats { return nil }

func (b *stubBudget) seenOutcomes() []ratelimit.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ratelimit.Outcome(nil), b.outcomes...)
}

// stubFetcher serves canned bodies per URL and counts calls. An optional
// gate holds fetches open so tests can pile up concurrent callers.
type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	body  []byte
	err   error
	gate  chan struct{}
}

func newStubFetcher(body []byte) *stubFetcher {
	return &stubFetcher{calls: make(map[string]int), body: body}
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls[rawURL]++
	gate := f.gate
	err := f.err
	body := f.body
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &artwork.FetchError{URL: rawURL, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *stubFetcher) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *stubFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fixture struct {
	dir     string
	oracle  *stubOracle
	ledger  *stubLedger
	budget  *stubBudget
	fetcher *stubFetcher
	idx     *indextest.MemoryIndex
	mgr     *artwork.Manager
}

func newFixture(t *testing.T, oracle *stubOracle) *fixture {
	t.Helper()
	return newFixtureRetry(t, oracle, false)
}

func newFixtureRetry(t *testing.T, oracle *stubOracle, retryOnCancel bool) *fixture {
	t.Helper()

	f := &fixture{
		dir:     t.TempDir(),
		oracle:  oracle,
		ledger:  newStubLedger(),
		budget:  newStubBudget(),
		fetcher: newStubFetcher(jpegBytes),
		idx:     indextest.NewMemoryIndex(),
	}

	mgr, err := artwork.NewManager(
		artwork.Config{
			Dir:           f.dir,
			MediaBaseURL:  "https://media.example.net/items",
			RetryOnCancel: retryOnCancel,
		},
		f.oracle, f.ledger, f.budget, f.idx,
		artwork.WithLogger(nopLogger{}),
		artwork.WithFetcher(f.fetcher),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f.mgr = mgr
	return f
}

// seed places a cached file and index entry for (id, locale).
func (f *fixture) seed(t *testing.T, id item.ID, locale item.Locale, content []byte) string {
	t.Helper()

	name := fmt.Sprintf("%d_%s.jpg", id, locale)
	full := filepath.Join(f.dir, name)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	err := f.idx.Put(context.Background(), index.EntryMeta{
		Key:  index.Key(id, locale),
		Path: name,
		Size: int64(len(content)),
	})
	if err != nil {
		t.Fatalf("seed index: %v", err)
	}
	return full
}

func ownedOracle(id item.ID, meta map[string]string) *stubOracle {
	return &stubOracle{
		initialized: true,
		owned:       map[item.ID]bool{id: true},
		meta:        map[item.ID]map[string]string{id: meta},
	}
}

func TestGetReturnsCachedValidFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	want := f.seed(t, 220, "english", jpegBytes)

	got, err := f.mgr.Get(context.Background(), 220, "english")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("Get = %s, want %s", got, want)
	}
	if f.fetcher.totalCalls() != 0 {
		t.Fatalf("cached hit must not fetch, %d calls", f.fetcher.totalCalls())
	}
}

func TestGetFetchesAndCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))

	got, err := f.mgr.Get(context.Background(), 220, "english")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Fatal("cached file content mismatch")
	}

	if n := f.fetcher.calls["https://media.example.net/items/220/abc.jpg"]; n != 1 {
		t.Fatalf("expected one fetch of the resolved candidate, got %d (calls: %v)", n, f.fetcher.calls)
	}
	if f.ledger.successCount(220, "english") != 1 {
		t.Fatal("expected RecordSuccess after fetch")
	}
	if _, err := f.idx.Get(context.Background(), index.Key(220, "english")); err != nil {
		t.Fatalf("expected durable index entry, got %v", err)
	}

	// A second Get is served from cache.
	again, err := f.mgr.Get(context.Background(), 220, "english")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if again != got || f.fetcher.totalCalls() != 1 {
		t.Fatalf("expected cache hit, path=%s calls=%d", again, f.fetcher.totalCalls())
	}
}

func TestCorruptEntryDeletedAndRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.seed(t, 220, "english", []byte("<html>404 not found</html>"))

	got, err := f.mgr.Get(context.Background(), 220, "english")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The validation failure is recorded even though the refetch healed
	// the entry.
	if f.ledger.failureCount(220, "english") != 1 {
		t.Fatalf("expected one recorded validation failure, got %d", f.ledger.failureCount(220, "english"))
	}
	if f.fetcher.totalCalls() != 1 {
		t.Fatalf("expected a refetch, got %d calls", f.fetcher.totalCalls())
	}

	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read healed file: %v", err)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Fatalf("healed file still corrupt: %q", data)
	}
}

func TestSuppressedKeyServesEnglishFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{
		"small_capsule/english": "abc.jpg",
		"small_capsule/german":  "abc_de.jpg",
	}))
	english := f.seed(t, 220, "english", jpegBytes)
	f.ledger.skip[f.ledger.key(220, "german")] = true

	got, err := f.mgr.Get(context.Background(), 220, "german")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != english {
		t.Fatalf("expected english fallback %s, got %s", english, got)
	}
	if f.fetcher.totalCalls() != 0 {
		t.Fatalf("suppressed key must not fetch, %d calls", f.fetcher.totalCalls())
	}
}

func TestSuppressedKeyWithoutFallbackFailsFast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.ledger.skip[f.ledger.key(220, "english")] = true

	_, err := f.mgr.Get(context.Background(), 220, "english")
	if !errors.Is(err, artwork.ErrSuppressed) {
		t.Fatalf("expected ErrSuppressed, got %v", err)
	}
	if f.fetcher.totalCalls() != 0 {
		t.Fatalf("suppressed key must not fetch, %d calls", f.fetcher.totalCalls())
	}
}

func TestGermanWithoutCandidateServesEnglishWithoutFailure(t *testing.T) {
	t.Parallel()

	// No german candidate exists, english is present as abc.jpg. The
	// manager fetches english once, serves it for the german request,
	// and records no failure for (2, german).
	f := newFixture(t, ownedOracle(2, map[string]string{"small_capsule/english": "abc.jpg"}))

	got, err := f.mgr.Get(context.Background(), 2, "german")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	english := filepath.Join(f.dir, "2_english.jpg")
	if got != english {
		t.Fatalf("expected english file %s, got %s", english, got)
	}
	if n := f.fetcher.calls["https://media.example.net/items/2/abc.jpg"]; n != 1 {
		t.Fatalf("expected exactly one english fetch, calls: %v", f.fetcher.calls)
	}
	if f.ledger.failureCount(2, "german") != 0 {
		t.Fatal("a deliberate fallback must not record a failure")
	}
	if f.ledger.successCount(2, "english") != 1 {
		t.Fatal("english fetch should have recorded success")
	}
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.fetcher.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = f.mgr.Get(context.Background(), 220, "english")
		}(i)
	}

	// Let the callers pile onto the in-flight fetch, then open the gate.
	time.Sleep(100 * time.Millisecond)
	close(f.fetcher.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, paths[i], paths[0])
		}
	}
	if f.fetcher.totalCalls() != 1 {
		t.Fatalf("expected a single shared fetch, got %d", f.fetcher.totalCalls())
	}
	if f.ledger.successCount(220, "english") != 1 {
		t.Fatalf("expected one success record, got %d", f.ledger.successCount(220, "english"))
	}
}

func TestCanceledFetchReleasesSlotWithoutFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.fetcher.setGate(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := f.mgr.Get(ctx, 220, "english")
		got <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		if !errors.Is(err, artwork.ErrFetchCanceled) {
			t.Fatalf("expected ErrFetchCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller never returned")
	}

	// A cancellation says nothing about the item or the origin.
	if n := f.ledger.failureCount(220, "english"); n != 0 {
		t.Fatalf("cancellation must not record a ledger failure, got %d", n)
	}
	outcomes := f.budget.seenOutcomes()
	if len(outcomes) != 1 || outcomes[0] != ratelimit.OutcomeCanceled {
		t.Fatalf("expected a single canceled release, got %v", outcomes)
	}

	// The key was forgotten, so a later caller re-issues the fetch.
	f.fetcher.setGate(nil)
	if _, err := f.mgr.Get(context.Background(), 220, "english"); err != nil {
		t.Fatalf("Get after cancellation: %v", err)
	}
	if f.fetcher.totalCalls() != 2 {
		t.Fatalf("expected a fresh fetch after cancellation, got %d calls", f.fetcher.totalCalls())
	}
	if f.ledger.successCount(220, "english") != 1 {
		t.Fatal("expected the re-issued fetch to record success")
	}
}

func TestWaitersSharingCanceledFetchGetTypedError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.fetcher.setGate(make(chan struct{}))

	initCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.Get(initCtx, 220, "english")
		initErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// A second caller with a live context joins the in-flight fetch.
	waitErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.Get(context.Background(), 220, "english")
		waitErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()

	for name, ch := range map[string]chan error{"initiator": initErr, "waiter": waitErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, artwork.ErrFetchCanceled) {
				t.Fatalf("%s: expected ErrFetchCanceled, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never returned", name)
		}
	}

	if f.fetcher.totalCalls() != 1 {
		t.Fatalf("expected one shared fetch, got %d", f.fetcher.totalCalls())
	}
	if n := f.ledger.failureCount(220, "english"); n != 0 {
		t.Fatalf("cancellation must not record a ledger failure, got %d", n)
	}
}

func TestRetryOnCancelReissuesForLiveWaiter(t *testing.T) {
	t.Parallel()

	f := newFixtureRetry(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}), true)
	gate := make(chan struct{})
	f.fetcher.setGate(gate)

	initCtx, cancel := context.WithCancel(context.Background())

	initErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.Get(initCtx, 220, "english")
		initErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	waitRes := make(chan error, 1)
	go func() {
		_, err := f.mgr.Get(context.Background(), 220, "english")
		waitRes <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// Cancel the initiator, then let the waiter's re-issued fetch pass.
	cancel()
	time.Sleep(100 * time.Millisecond)
	close(gate)

	select {
	case err := <-initErr:
		if !errors.Is(err, artwork.ErrFetchCanceled) {
			t.Fatalf("initiator: expected ErrFetchCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initiator never returned")
	}

	// The waiter's own context is live, so it re-issues once and wins.
	select {
	case err := <-waitRes:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}

	if f.fetcher.totalCalls() != 2 {
		t.Fatalf("expected the canceled fetch plus one retry, got %d calls", f.fetcher.totalCalls())
	}
	if n := f.ledger.failureCount(220, "english"); n != 0 {
		t.Fatalf("cancellation must not record a ledger failure, got %d", n)
	}
	if f.ledger.successCount(220, "english") != 1 {
		t.Fatal("expected one success record from the retried fetch")
	}
}

func TestFetchFailureRecordedInLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.fetcher.err = &artwork.FetchError{URL: "https://media.example.net/items/220/abc.jpg", Status: 500}

	_, err := f.mgr.Get(context.Background(), 220, "english")
	var fe *artwork.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if f.ledger.failureCount(220, "english") != 1 {
		t.Fatalf("expected one failure record, got %d", f.ledger.failureCount(220, "english"))
	}
	if len(f.budget.marked) != 0 {
		t.Fatalf("plain failure must not block origin, marked %v", f.budget.marked)
	}
}

func TestRateLimitedResponseBlocksOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{"small_capsule/english": "abc.jpg"}))
	f.fetcher.err = &artwork.FetchError{
		URL:         "https://media.example.net/items/220/abc.jpg",
		Status:      429,
		RateLimited: true,
	}

	if _, err := f.mgr.Get(context.Background(), 220, "english"); err == nil {
		t.Fatal("expected error from rate limited fetch")
	}

	if len(f.budget.marked) != 1 || f.budget.marked[0] != "media.example.net" {
		t.Fatalf("expected origin marked blocked, got %v", f.budget.marked)
	}
	if f.ledger.failureCount(220, "english") != 1 {
		t.Fatal("rate limited fetch still records a ledger failure")
	}
}

func TestBlockedOriginDegradesToCachedEnglish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{
		"small_capsule/english": "abc.jpg",
		"small_capsule/german":  "abc_de.jpg",
	}))
	english := f.seed(t, 220, "english", jpegBytes)
	f.budget.blocked["media.example.net"] = true

	got, err := f.mgr.Get(context.Background(), 220, "german")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != english {
		t.Fatalf("expected cached english during origin block, got %s", got)
	}
	// Throttling is not an item failure.
	if f.ledger.failureCount(220, "german") != 0 {
		t.Fatal("blocked origin must not record an item failure")
	}
}

func TestUnownedItemDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubOracle{initialized: true})

	_, err := f.mgr.Get(context.Background(), 220, "english")
	if !errors.Is(err, artwork.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
	if f.ledger.failureCount(220, "english") != 0 {
		t.Fatal("denial must not record a failure")
	}
	if f.fetcher.totalCalls() != 0 {
		t.Fatal("denial must not fetch")
	}
}

func TestUnsafeCandidatesRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{
		"small_capsule/english": "../../etc/passwd",
		"small_capsule":         "https://evil.example.net/x.jpg",
		"header_image":          "safe.jpg",
	}))

	if _, err := f.mgr.Get(context.Background(), 220, "english"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := f.fetcher.calls["https://media.example.net/items/220/safe.jpg"]; n != 1 {
		t.Fatalf("expected the sanitized candidate to win, calls: %v", f.fetcher.calls)
	}
}

func TestCompletionEventPerDistinctFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ownedOracle(220, map[string]string{
		"small_capsule/english": "abc.jpg",
		"small_capsule/german":  "abc_de.jpg",
	}))

	token, events := f.mgr.Subscribe()
	defer f.mgr.Unsubscribe(token)

	if _, err := f.mgr.Get(context.Background(), 220, "german"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The german request ensures english first: two fetches, two events,
	// never a coalesced one.
	got := make(map[item.Locale]int)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.ItemID != 220 {
				t.Fatalf("event for unexpected item %d", ev.ItemID)
			}
			got[ev.Locale]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d, got %v", i, got)
		}
	}
	if got["english"] != 1 || got["german"] != 1 {
		t.Fatalf("expected one event per locale, got %v", got)
	}
}

func TestUninitializedOracleDenies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubOracle{})

	_, err := f.mgr.Get(context.Background(), 220, "english")
	if !errors.Is(err, artwork.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned from uninitialized oracle, got %v", err)
	}
}
