package carrier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/automation"
	"github.com/xkilldash9x/quotebot/internal/booking"
	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/pipeline"
	"github.com/xkilldash9x/quotebot/internal/ratelimit"
	"github.com/xkilldash9x/quotebot/internal/runner"
)

// -- Fakes --

// fakeAgent answers by instruction. loginReplies are consumed one per
// authenticate attempt; the last one repeats.
type fakeAgent struct {
	mu           sync.Mutex
	executed     []string
	loginReplies []string
	loginErr     error
	loginStatus  LoginStatus
	verifyErr    error
	quotes       booking.QuoteSet
	snapshots    []string
	closed       int
}

func (f *fakeAgent) Execute(ctx context.Context, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, instruction)
	if strings.Contains(instruction, "and log in.") && f.loginErr != nil {
		return "", f.loginErr
	}
	if strings.Contains(instruction, "and log in.") && len(f.loginReplies) > 0 {
		reply := f.loginReplies[0]
		if len(f.loginReplies) > 1 {
			f.loginReplies = f.loginReplies[1:]
		}
		return reply, nil
	}
	return "done", nil
}

func (f *fakeAgent) Extract(ctx context.Context, instruction string, schema map[string]any, out any) error {
	var v any = f.quotes
	if instruction == verifyLoginInstruction {
		if f.verifyErr != nil {
			return f.verifyErr
		}
		v = f.loginStatus
	}
	raw, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, out)
}

func (f *fakeAgent) Snapshot(ctx context.Context, label string) error {
	f.snapshots = append(f.snapshots, label)
	return nil
}

func (f *fakeAgent) Close(ctx context.Context) error {
	f.closed++
	return nil
}

// fakeOperator records manual login prompts.
type fakeOperator struct {
	calls int
	err   error
}

func (o *fakeOperator) AwaitLogin(ctx context.Context, loginURL string) error {
	o.calls++
	return o.err
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		loginReplies: []string{"logged in"},
		loginStatus:  LoginStatus{LoggedIn: true, CurrentURL: "https://www.maersk.com/book/"},
		quotes: booking.QuoteSet{Quotes: []booking.Quote{
			{Service: "Maersk Spot", ContainerType: "40 Dry Standard", Price: 2450, Currency: "USD", TransitTimeDays: 24},
		}},
	}
}

func testBooking() booking.Details {
	return booking.Default(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
}

func testCarrierConfig(mode string) config.CarrierConfig {
	return config.CarrierConfig{BaseURL: "https://www.maersk.com/", Username: "bot", Password: "hunter2", LoginMode: mode}
}

func runFlow(t *testing.T, ag *fakeAgent, d booking.Details) pipeline.Result {
	t.Helper()
	r := runner.New(ratelimit.New(0), runner.Policy{MaxAttempts: 3}, zap.NewNop(),
		runner.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	return runFlowWith(t, Session{Agent: ag, Runner: r, Booking: d}, testCarrierConfig(config.LoginAuto))
}

func runFlowWith(t *testing.T, s Session, cfg config.CarrierConfig) pipeline.Result {
	t.Helper()
	ag := s.Agent.(*fakeAgent)
	m := NewMaersk(cfg, zap.NewNop())
	stages := m.Stages(s)

	ctrl := pipeline.NewController(zap.NewNop(), pipeline.SnapshotFunc(ag.Snapshot), ag.Close)
	res, err := ctrl.Run(context.Background(), stages)
	require.NoError(t, err)
	return res
}

// -- Test Cases --

func TestNew(t *testing.T) {
	c, err := New(config.CarrierConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaerskName, c.Name())

	c, err = New(config.CarrierConfig{Name: "Maersk"}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaerskName, c.Name())

	_, err = New(config.CarrierConfig{Name: "msc"}, nil)
	assert.EqualError(t, err, `unsupported carrier "msc"`)
}

func TestMaersk_StageOrder(t *testing.T) {
	m := NewMaersk(config.CarrierConfig{}, nil)
	stages := m.Stages(Session{Booking: testBooking()})

	var names []string
	for _, s := range stages {
		names = append(names, s.Name)
		if s.Name == StageVerifyLogin {
			assert.Equal(t, pipeline.ContinueOnRateLimit, s.OnRateLimited)
		} else {
			assert.Equal(t, pipeline.FailOnRateLimit, s.OnRateLimited, s.Name)
		}
	}
	assert.Equal(t, []string{
		StageAuthenticate, StageVerifyLogin, StageOpenBooking, StageFillRoute,
		StageFillTransport, StageFillCargo, StageSearchRates, StageExtractRates,
	}, names)
}

func TestMaersk_FullFlow(t *testing.T) {
	ag := newFakeAgent()
	res := runFlow(t, ag, testBooking())

	require.Equal(t, pipeline.Completed, res.Status)
	assert.Len(t, res.Stages, 8)
	assert.Len(t, ag.executed, 6)
	assert.Empty(t, ag.snapshots)
	assert.Equal(t, 1, ag.closed)

	set, ok := res.Outputs[StageExtractRates].(booking.QuoteSet)
	require.True(t, ok)
	require.Len(t, set.Quotes, 1)
	q := set.Quotes[0]
	assert.Equal(t, MaerskName, q.Carrier)
	assert.Equal(t, "Mumbai, India", q.Origin)
	assert.Equal(t, "Rotterdam, Netherlands", q.Destination)
	assert.Equal(t, 2450.0, q.Price)
}

func TestMaersk_AuthRejectionIsRetried(t *testing.T) {
	ag := newFakeAgent()
	ag.loginReplies = []string{"The page shows Access Denied", "logged in"}

	res := runFlow(t, ag, testBooking())

	require.Equal(t, pipeline.Completed, res.Status)
	assert.Equal(t, 2, res.Stages[0].Attempts)
}

func TestMaersk_InvalidCredentialsAreFatal(t *testing.T) {
	ag := newFakeAgent()
	ag.loginStatus = LoginStatus{CurrentURL: "https://www.maersk.com/login", ErrorMessage: "Invalid username or password"}

	res := runFlow(t, ag, testBooking())

	require.Equal(t, pipeline.Failed, res.Status)
	assert.Equal(t, 1, res.FailedIndex)
	assert.Equal(t, StageVerifyLogin, res.FailedStage)
	assert.True(t, automation.IsFatalError(res.Err))
	assert.Contains(t, res.Err.Error(), "login failed")
	assert.Equal(t, 1, res.Stages[1].Attempts, "fatal errors are not retried")
	assert.Equal(t, []string{"failed-" + StageVerifyLogin}, ag.snapshots)
	assert.Equal(t, 1, ag.closed)
}

func TestMaersk_ThrottledVerificationContinues(t *testing.T) {
	ag := newFakeAgent()
	ag.verifyErr = &automation.RateLimitError{Err: errors.New("429 too many requests")}

	res := runFlow(t, ag, testBooking())

	require.Equal(t, pipeline.Completed, res.Status)
	assert.True(t, res.Stages[1].AssumedSuccess)
	assert.Equal(t, LoginStatus{LoggedIn: true}, res.Outputs[StageVerifyLogin])
	assert.Contains(t, res.Outputs, StageExtractRates)
}

func TestMaersk_NoQuotesFails(t *testing.T) {
	ag := newFakeAgent()
	ag.quotes = booking.QuoteSet{}

	res := runFlow(t, ag, testBooking())

	require.Equal(t, pipeline.Failed, res.Status)
	assert.Equal(t, StageExtractRates, res.FailedStage)
	assert.Equal(t, 3, res.Stages[7].Attempts)
	assert.Contains(t, res.Err.Error(), "no rates found")
}

func TestCheckLogin(t *testing.T) {
	assert.NoError(t, checkLogin(LoginStatus{LoggedIn: true}))
	assert.True(t, automation.IsTransientError(checkLogin(LoginStatus{})))
	assert.True(t, automation.IsTransientError(checkLogin(LoginStatus{ErrorMessage: "Your session has expired"})))
	assert.True(t, automation.IsFatalError(checkLogin(LoginStatus{LoggedIn: true, ErrorMessage: "Account locked"})))
}

func TestMaersk_Secrets(t *testing.T) {
	m := NewMaersk(config.CarrierConfig{BaseURL: "https://www.maersk.com", Username: "bot", Password: "hunter2"}, nil)
	assert.Equal(t, map[string]string{"username": "bot", "password": "hunter2"}, m.Secrets())

	login := m.loginInstruction()
	assert.Contains(t, login, "https://www.maersk.com/book/")
	assert.Contains(t, login, "{{username}}")
	assert.Contains(t, login, "{{password}}")
	assert.NotContains(t, login, "hunter2")
}

func TestInstructions(t *testing.T) {
	d := testBooking()

	route := routeInstruction(d)
	assert.Contains(t, route, `"Mumbai, India"`)
	assert.Contains(t, route, `"Rotterdam, Netherlands"`)

	cy := transportInstruction(d)
	assert.Contains(t, cy, "I will arrange to deliver the container to the port/inland location")
	assert.Contains(t, cy, "I will arrange for pick up of the container from the port/inland location")

	d.OriginTransport.Type = booking.TransportSD
	d.DestinationTransport.Type = booking.TransportSD
	sd := transportInstruction(d)
	assert.Contains(t, sd, "I want Maersk to pick up the container at my facility")
	assert.Contains(t, sd, "I want Maersk to deliver the container at my facility")

	d.IsDangerousCargo = true
	d.Containers = append(d.Containers, booking.Container{Type: "Reefer", Size: "20", Quantity: 2, WeightKg: 500})
	cargo := cargoInstruction(d)
	assert.Contains(t, cargo, `type "Electronics"`)
	assert.Contains(t, cargo, `"This cargo requires temperature control" must be unchecked`)
	assert.Contains(t, cargo, `"This cargo is considered dangerous" must be checked`)
	assert.Contains(t, cargo, "Container line 1: size/type 40 Standard, quantity 1, cargo weight per container 1000 kg.")
	assert.Contains(t, cargo, "5. Add another container line.")
	assert.Contains(t, cargo, "Container line 2: size/type 20 Reefer, quantity 2")
	assert.Contains(t, cargo, "10 March 2025 (2025-03-10)")
	assert.Contains(t, cargo, "I am the price owner")
}

// -- Login Strategies --

func operatorSession(ag *fakeAgent, op Operator) Session {
	r := runner.New(ratelimit.New(0), runner.Policy{MaxAttempts: 3}, zap.NewNop(),
		runner.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	return Session{Agent: ag, Runner: r, Booking: testBooking(), Operator: op}
}

func TestMaersk_HybridLoginFallsBackToOperator(t *testing.T) {
	ag := newFakeAgent()
	ag.loginErr = automation.Fatal(errors.New("two-factor challenge shown"))
	op := &fakeOperator{}

	res := runFlowWith(t, operatorSession(ag, op), testCarrierConfig(config.LoginHybrid))

	require.Equal(t, pipeline.Completed, res.Status)
	assert.Equal(t, 1, op.calls)
	assert.Equal(t, 1, res.Stages[0].Attempts)
	assert.Equal(t, ag.loginStatus, res.Outputs[StageAuthenticate])
	assert.Contains(t, ag.executed[1], "sign in by hand")
}

func TestMaersk_HybridLoginSkipsOperatorWhenAutomationWorks(t *testing.T) {
	ag := newFakeAgent()
	op := &fakeOperator{}

	res := runFlowWith(t, operatorSession(ag, op), testCarrierConfig(config.LoginHybrid))

	require.Equal(t, pipeline.Completed, res.Status)
	assert.Zero(t, op.calls)
}

func TestMaersk_HybridLoginFailsWhenOperatorDoesNotAnswer(t *testing.T) {
	ag := newFakeAgent()
	ag.loginErr = automation.Fatal(errors.New("two-factor challenge shown"))
	op := &fakeOperator{err: ErrNoOperator}

	res := runFlowWith(t, operatorSession(ag, op), testCarrierConfig(config.LoginHybrid))

	require.Equal(t, pipeline.Failed, res.Status)
	assert.Equal(t, StageAuthenticate, res.FailedStage)
	assert.ErrorIs(t, res.Err, ErrNoOperator)
	assert.Equal(t, 1, op.calls, "an operator failure is not retried")
	assert.Equal(t, []string{"failed-" + StageAuthenticate}, ag.snapshots)
}

func TestMaersk_ManualLoginRetriesUntilConfirmed(t *testing.T) {
	ag := newFakeAgent()
	ag.loginStatus = LoginStatus{CurrentURL: "https://accounts.maersk.com/login"}
	op := &fakeOperator{}

	res := runFlowWith(t, operatorSession(ag, op), testCarrierConfig(config.LoginManual))

	require.Equal(t, pipeline.Failed, res.Status)
	assert.Equal(t, StageAuthenticate, res.FailedStage)
	assert.Equal(t, 3, op.calls, "the operator is asked once per attempt")
	for _, instruction := range ag.executed {
		assert.NotContains(t, instruction, "{{password}}")
	}
}

func TestMaersk_ManualLoginWithoutOperator(t *testing.T) {
	ag := newFakeAgent()

	res := runFlowWith(t, operatorSession(ag, nil), testCarrierConfig(config.LoginManual))

	require.Equal(t, pipeline.Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoOperator)
	assert.Empty(t, ag.executed)
}

func TestMaersk_AutoLoginNeverAsksOperator(t *testing.T) {
	ag := newFakeAgent()
	ag.loginErr = automation.Fatal(errors.New("two-factor challenge shown"))
	op := &fakeOperator{}

	res := runFlowWith(t, operatorSession(ag, op), testCarrierConfig(config.LoginAuto))

	require.Equal(t, pipeline.Failed, res.Status)
	assert.Zero(t, op.calls)
}

// -- Pacing --

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMaersk_ProviderCooldownPacesLaterStages(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.New(0, ratelimit.WithClock(clock.Now),
		ratelimit.WithSharedCooldown(ratelimit.ClassAgentCall, ratelimit.ClassExtraction))

	var sleeps []time.Duration
	r := runner.New(limiter, runner.Policy{MaxAttempts: 3}, zap.NewNop(),
		runner.WithSleep(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			clock.Advance(d)
			return nil
		}))

	ag := newFakeAgent()
	ag.verifyErr = &automation.RateLimitError{Err: errors.New("429 too many requests"), RetryAfter: time.Minute}

	res := runFlowWith(t, Session{Agent: ag, Runner: r, Booking: testBooking()}, testCarrierConfig(config.LoginAuto))

	require.Equal(t, pipeline.Completed, res.Status)
	assert.True(t, res.Stages[1].AssumedSuccess)
	assert.Equal(t, []time.Duration{time.Minute}, sleeps, "open-booking waits out the provider cooldown")
	assert.Len(t, ag.executed, 6)
}
