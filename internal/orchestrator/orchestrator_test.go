package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-moder/report-agent/internal/client"
	"github.com/p-moder/report-agent/internal/cooldown"
	"github.com/p-moder/report-agent/internal/notify"
	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/store"
)

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Publish(e notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t notify.EventType) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// platformStub scripts a response code per account session cookie and
// records which sessions reached which paths.
type platformStub struct {
	mu       sync.Mutex
	codes    map[string]int // session cookie value -> response code
	requests []stubRequest
}

type stubRequest struct {
	path    string
	session string
	form    map[string]string
}

func (p *platformStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		var session string
		if ck, err := r.Cookie(platform.CookieSession); err == nil {
			session = ck.Value
		}

		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostFormValue(k)
		}

		p.mu.Lock()
		p.requests = append(p.requests, stubRequest{path: r.URL.Path, session: session, form: form})
		code := p.codes[session]
		p.mu.Unlock()

		fmt.Fprintf(w, `{"code":%d,"message":"m%d","data":null}`, code, code)
	}
}

func (p *platformStub) sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = r.session
	}
	return out
}

type fixture struct {
	st   *store.Store
	stub *platformStub
	sink *recordingSink
	e    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	stub := &platformStub{codes: map[string]int{}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cl := client.New(client.Options{MaxAttempts: 1}, nil, zerolog.Nop())
	sink := &recordingSink{}

	defaults := store.Tunables{Cooldown: 0, MaxRetries: 3, BatchWidth: 2}
	e := New(st, cl, cooldown.New(), sink, nil, srv.URL, defaults, zerolog.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	e.shuffle = func(n int, swap func(i, j int)) {} // deterministic account order
	e.randInt = func(n int64) int64 { return 0 }

	return &fixture{st: st, stub: stub, sink: sink, e: e}
}

// seedAccounts creates accounts s1..sN with distinct creation times so the
// eligible listing order is stable.
func (f *fixture) seedAccounts(t *testing.T, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= n; i++ {
		require.NoError(t, f.st.SaveAccount(&platform.Account{
			ID:        fmt.Sprintf("a%d", i),
			Name:      fmt.Sprintf("acct-%d", i),
			Session:   fmt.Sprintf("s%d", i),
			CSRF:      fmt.Sprintf("c%d", i),
			Status:    platform.AccountValid,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestExecuteForTarget_FirstAccountSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 3)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "a1", results[0].AccountID)

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetCompleted, got.Status)

	logs, err := f.st.ListLogsByTarget(id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
}

func TestExecuteForTarget_FailoverAcrossAccounts(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 3)
	f.stub.codes["s1"] = platform.CodeRisk
	f.stub.codes["s2"] = platform.CodeSessionExpired

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetCompleted, got.Status)

	// suspect account stepped down, dead session written off
	a1, err := f.st.GetAccount("a1")
	require.NoError(t, err)
	assert.Equal(t, platform.AccountExpiring, a1.Status)

	a2, err := f.st.GetAccount("a2")
	require.NoError(t, err)
	assert.Equal(t, platform.AccountInvalid, a2.Status)

	logs, err := f.st.ListLogsByTarget(id)
	require.NoError(t, err)
	assert.Len(t, logs, 3, "every attempt leaves a log row")

	degraded := f.sink.byType(notify.AccountDegraded)
	assert.Len(t, degraded, 2)
}

func TestExecuteForTarget_HardStopAbortsRemainingAccounts(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 3)
	f.stub.codes["s2"] = platform.CodeHardStop

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, []string{"a2", "a3"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Message, "aborted:")

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	assert.NotContains(t, f.stub.sessions(), "s3", "hard stop must skip remaining accounts")

	logs, err := f.st.ListLogsByTarget(id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "aborted:")
}

func TestExecuteForTarget_SuccessEquivalentCodes(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)
	f.stub.codes["s1"] = 12008

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 12008, results[0].Code)
	assert.Equal(t, "already reported", results[0].Message)

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetCompleted, got.Status, "already-reported counts as done")
}

func TestExecuteForTarget_LostClaimRace(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	ok, err := f.st.ClaimTarget(id, 3)
	require.NoError(t, err)
	require.True(t, ok)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Nil(t, results, "lost race returns no results and no error")
	assert.Empty(t, f.stub.sessions())
}

func TestExecuteForTarget_NoEligibleAccounts(t *testing.T) {
	f := newFixture(t)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	require.NotNil(t, results, "a won claim must not look like a lost race")
	assert.Empty(t, results)

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestExecuteForTarget_CommentPayload(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	// reason 6 is outside the accepted set and must be coerced to 4
	id, err := f.st.AddTarget("170001:987654", platform.TargetComment, 6)
	require.NoError(t, err)

	_, err = f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)

	f.stub.mu.Lock()
	defer f.stub.mu.Unlock()
	require.Len(t, f.stub.requests, 1)
	req := f.stub.requests[0]
	assert.True(t, strings.HasSuffix(req.path, "/x/v2/reply/report"))
	assert.Equal(t, "170001", req.form["oid"])
	assert.Equal(t, "987654", req.form["rpid"])
	assert.Equal(t, "4", req.form["reason"])
	assert.Equal(t, "c1", req.form[platform.FieldCSRF])
}

func TestExecuteForTarget_MalformedCommentTarget(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	id, err := f.st.AddTarget("no-separator", platform.TargetComment, 1)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "oid:rpid")
	assert.Empty(t, f.stub.sessions(), "malformed target never reaches the wire")
}

func TestExecuteForTarget_ExplicitAccountSubset(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 3)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	results, err := f.e.ExecuteForTarget(context.Background(), id, []string{"a2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a2", results[0].AccountID)
	assert.Equal(t, []string{"s2"}, f.stub.sessions())
}

// panicSink simulates a crashing downstream consumer.
type panicSink struct{}

func (panicSink) Publish(notify.Event) { panic("sink crashed") }

func TestProcessClaimed_PanicRollsBackToPending(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)
	f.e.sink = panicSink{}

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	_, err = f.e.ExecuteForTarget(context.Background(), id, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetPending, got.Status, "claimed target never wedges in processing")
}

func TestExecuteForTarget_CancelledContextRollsBackAsFailed(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.e.ExecuteForTarget(ctx, id, nil)
	require.ErrorIs(t, err, context.Canceled)

	got, err := f.st.GetTarget(id)
	require.NoError(t, err)
	assert.Equal(t, platform.TargetFailed, got.Status)
}

func TestRunPending_DrainsClaimableTargets(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := f.st.AddTarget(fmt.Sprintf("BV%d", i), platform.TargetVideo, 2)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	f.e.RunPending(context.Background())

	for _, id := range ids {
		got, err := f.st.GetTarget(id)
		require.NoError(t, err)
		assert.Equal(t, platform.TargetCompleted, got.Status)
	}
}

func TestExecuteBatch_ReturnsBatchID(t *testing.T) {
	f := newFixture(t)
	f.seedAccounts(t, 1)

	id, err := f.st.AddTarget("BV1xx411c7mD", platform.TargetVideo, 2)
	require.NoError(t, err)

	batchID, err := f.e.ExecuteBatch(context.Background(), []int64{id})
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)

	// the batch runs asynchronously; poll for the terminal state
	require.Eventually(t, func() bool {
		got, err := f.st.GetTarget(id)
		return err == nil && got.Status == platform.TargetCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(AttemptResult{Success: true}))
	assert.Equal(t, "error", outcomeLabel(AttemptResult{Code: 0}))
	assert.Equal(t, "suspect", outcomeLabel(AttemptResult{Code: platform.CodeRisk}))
	assert.Equal(t, "hard_stop", outcomeLabel(AttemptResult{Code: platform.CodeHardStop}))
}
