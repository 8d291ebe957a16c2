package wipe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropdrive/internal/config"
	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/provider"
	"dropdrive/internal/provider/providertest"
	"dropdrive/internal/purge"
	"dropdrive/internal/security"
	"dropdrive/internal/wipeerr"
	"dropdrive/internal/worker"
)

const testDevice = "/dev/sdb"

var liveInfo = provider.Info{Serial: "S3EVNX0K123456", Model: "Samsung SSD 860", BusType: "sata", SizeBytes: 500107862016}

type recordingMount struct {
	mu         sync.Mutex
	calls      []string
	unmountErr error
}

func (m *recordingMount) Unmount(ctx context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "unmount "+device)
	return m.unmountErr
}

func (m *recordingMount) Remount(ctx context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remount "+device)
	return nil
}

func (m *recordingMount) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeIssuer struct {
	mu       sync.Mutex
	failures int
	results  []model.WipeResult
	devices  []model.DeviceDescriptor
}

func (f *fakeIssuer) Issue(ctx context.Context, res model.WipeResult, device model.DeviceDescriptor, label string) (model.EvidenceReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	f.devices = append(f.devices, device)
	if f.failures > 0 {
		f.failures--
		return model.EvidenceReceipt{}, errors.New("disk full")
	}
	return model.EvidenceReceipt{ID: "cert-1", DocumentRef: "certificate-cert-1.json", RenderingRef: "certificate-cert-1.txt", LedgerRef: "cert-1"}, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type harness struct {
	o      *Orchestrator
	fake   *providertest.Fake
	mount  *recordingMount
	issuer *fakeIssuer
	cfg    *config.Config

	mu     sync.Mutex
	events []Event
}

func (h *harness) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

type harnessOption func(*harness, *Options, *bool)

func unelevated() harnessOption {
	return func(_ *harness, _ *Options, elevated *bool) { *elevated = false }
}

func withOptions(fn func(*Options)) harnessOption {
	return func(_ *harness, o *Options, _ *bool) { fn(o) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		fake:   providertest.New().WithInfo(liveInfo),
		mount:  &recordingMount{},
		issuer: &fakeIssuer{},
		cfg:    config.Default(),
	}
	o := Options{
		ClearPattern:      "zero",
		HeartbeatInterval: 10 * time.Millisecond,
		MountEnabled:      true,
		IssueRetries:      2,
		LockDir:           t.TempDir(),
	}
	elevated := true
	for _, fn := range opts {
		fn(h, &o, &elevated)
	}
	logger := logging.NewNop()
	h.o = NewOrchestrator(Deps{
		Provider: h.fake,
		Purge:    purge.NewEngine(h.fake, purge.Options{NvmeAction: "crypto"}, logger),
		Mount:    h.mount,
		Guard:    security.NewGuardWith(h.cfg, func() bool { return elevated }),
		Issuer:   h.issuer,
		Registry: NewRegistry(time.Minute),
		Logger:   logger,
		Events: func(e Event) {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		},
	}, o)
	return h
}

func request(level model.Level, simulate bool) model.WipeRequest {
	return model.WipeRequest{DevicePath: testDevice, Level: level, Simulate: simulate, Label: "asset-42"}
}

func TestSimulatedClearTouchesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, true))
	require.NoError(t, err)

	assert.Equal(t, model.StatusSimulated, res.Status)
	assert.True(t, res.Simulated)
	assert.False(t, res.Executed)
	assert.Equal(t, model.MethodSoftwareOverwrite, res.MethodUsed)
	assert.Empty(t, h.fake.Calls())
	assert.Empty(t, h.mount.Calls())
	assert.Zero(t, h.issuer.Calls())
	assert.Nil(t, res.Evidence)
	assert.NoError(t, res.Validate())
}

func TestSimulatedPurgeUsesDryRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Script(provider.MethodCryptoErase, provider.Outcome{Supported: false})

	res, err := h.o.Execute(context.Background(), request(model.LevelPurge, true))
	require.NoError(t, err)

	assert.Equal(t, model.StatusSimulated, res.Status)
	assert.Equal(t, string(model.MethodNvmeSanitize), res.MethodUsed)
	assert.Zero(t, h.fake.EraseCalls())
	assert.Zero(t, h.issuer.Calls())
	assert.Contains(t, res.Message, "would be used")
}

func TestPurgeWithoutHardwareSupportSuggestsFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, m := range []string{provider.MethodCryptoErase, provider.MethodNvmeSanitize, provider.MethodAtaSecureErase} {
		h.fake.Script(m, provider.Outcome{Supported: false, Message: "USB bridge does not pass through"})
	}

	res, err := h.o.Execute(context.Background(), request(model.LevelPurge, false))
	require.NoError(t, err)

	assert.Equal(t, model.StatusUnsupported, res.Status)
	assert.False(t, res.Executed)
	assert.Equal(t, model.MethodNone, res.MethodUsed)
	require.NotNil(t, res.FallbackSuggested)
	assert.Equal(t, []model.Level{model.LevelClear, model.LevelDestroy}, res.FallbackSuggested.Methods)
	assert.Equal(t, model.ReasonNoHardwarePurge, res.FallbackSuggested.Reason)
	assert.Zero(t, h.issuer.Calls())
}

func TestPurgeContinuesPastPrivilegeFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Fail(provider.MethodCryptoErase, errors.New("nvme format: Permission denied"))

	res, err := h.o.Execute(context.Background(), request(model.LevelPurge, false))
	require.NoError(t, err)

	assert.Equal(t, []string{provider.MethodCryptoErase, provider.MethodNvmeSanitize}, h.fake.Methods())
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, string(model.MethodNvmeSanitize), res.MethodUsed)
	assert.True(t, res.PrivilegeError)
	assert.Equal(t, 1, h.issuer.Calls())
}

func TestDestroyIssuesEvidenceForTheExecutedResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.o.Execute(context.Background(), request(model.LevelDestroy, false))
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.True(t, res.Executed)
	assert.Equal(t, model.MethodMultiPassDestroy, res.MethodUsed)
	require.NotNil(t, res.Evidence)
	assert.Equal(t, "cert-1", res.Evidence.ID)

	require.Equal(t, 1, h.issuer.Calls())
	issued := h.issuer.results[0]
	assert.Equal(t, res.OperationID, issued.OperationID)
	assert.Equal(t, model.StatusSuccess, issued.Status)
	assert.NotEmpty(t, issued.Logs)
	assert.Equal(t, liveInfo.Serial, h.issuer.devices[0].Serial)
	assert.Equal(t, liveInfo.SizeBytes, h.issuer.devices[0].CapacityBytes)

	assert.Equal(t, []string{"unmount " + testDevice, "remount " + testDevice}, h.mount.Calls())
}

func TestVolumePathRejectedBeforeProviderCall(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"C:", `C:\`, "/mnt/usb", "/dev/sdb1"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			req := request(model.LevelDestroy, false)
			req.DevicePath = path

			res, err := h.o.Execute(context.Background(), req)
			require.Error(t, err)
			assert.True(t, wipeerr.IsValidation(err))
			assert.Equal(t, model.StatusFailed, res.Status)
			assert.Empty(t, h.fake.Calls())
			assert.Empty(t, h.mount.Calls())
		})
	}
}

func TestPaddedDevicePathRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	req := request(model.LevelClear, false)
	req.DevicePath = testDevice + " "

	res, err := h.o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, wipeerr.IsValidation(err))
	assert.Contains(t, err.Error(), "whitespace")
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, "validation", res.FailureKind)
	assert.Empty(t, h.fake.Calls())
	assert.Empty(t, h.mount.Calls())
}

func TestSerialMismatchAbortsWithoutErasing(t *testing.T) {
	t.Parallel()
	for _, simulate := range []bool{false, true} {
		h := newHarness(t)
		req := request(model.LevelDestroy, simulate)
		req.DeviceInfo.ConfirmedSerial = "WD-WCC4E0123456"

		res, err := h.o.Execute(context.Background(), req)
		require.Error(t, err)
		assert.True(t, wipeerr.IsValidation(err))
		assert.Contains(t, err.Error(), "serial mismatch")
		assert.Equal(t, model.StatusFailed, res.Status)
		assert.Empty(t, h.fake.Methods())
		assert.Empty(t, h.mount.Calls())
	}
}

func TestSerialComparisonIgnoresCaseAndSpacing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	req := request(model.LevelClear, false)
	req.DeviceInfo.ConfirmedSerial = " s3evnx0k 123456 "

	res, err := h.o.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
}

func TestMissingSerialFailsIdentityCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	info := liveInfo
	info.Serial = ""
	h.fake.WithInfo(info)
	req := request(model.LevelClear, false)
	req.DeviceInfo.ConfirmedSerial = liveInfo.Serial

	_, err := h.o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no serial")
	assert.Zero(t, h.fake.EraseCalls())
}

func TestProtectedDeviceRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.Security.ProtectedDevices = []string{testDevice}

	_, err := h.o.Execute(context.Background(), request(model.LevelClear, true))
	require.Error(t, err)
	assert.True(t, wipeerr.IsValidation(err))
	assert.Empty(t, h.fake.Calls())
}

func TestSystemDeviceRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withOptions(func(o *Options) {
		o.SystemDeviceCheck = func(string) (bool, error) { return true, nil }
	}))

	_, err := h.o.Execute(context.Background(), request(model.LevelDestroy, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running operating system")
	assert.Zero(t, h.fake.EraseCalls())
}

func TestZeroSizeDeviceRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	info := liveInfo
	info.SizeBytes = 0
	h.fake.WithInfo(info)

	_, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.Error(t, err)
	assert.True(t, wipeerr.IsValidation(err))
	assert.Zero(t, h.fake.EraseCalls())
}

func TestUnsupportedPlatformIsValidationError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.InfoErr = wipeerr.New(wipeerr.KindUnsupported, "device erase tools are not available on windows, only linux is supported")

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.Error(t, err)
	assert.True(t, wipeerr.IsValidation(err))
	assert.True(t, wipeerr.IsUnsupported(err))
	assert.Contains(t, err.Error(), "cannot be sanitized on this platform")
	assert.NotContains(t, err.Error(), "in use elsewhere")
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Zero(t, h.fake.EraseCalls())
}

func TestDestroyWithoutElevationIsPrivilegeError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, unelevated())

	res, err := h.o.Execute(context.Background(), request(model.LevelDestroy, false))
	require.Error(t, err)
	assert.True(t, wipeerr.IsPrivilege(err))
	assert.True(t, res.PrivilegeError)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Zero(t, h.fake.EraseCalls())
}

func TestSimulationNeedsNoElevation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, unelevated())

	res, err := h.o.Execute(context.Background(), request(model.LevelDestroy, true))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSimulated, res.Status)
}

func TestBusyDeviceRefused(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := newHarness(t, withOptions(func(o *Options) { o.LockDir = dir }))

	unlock, ok, err := NewDeviceLocker(dir).TryLock(testDevice)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Zero(t, h.fake.EraseCalls())
}

func TestUnmountFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mount.unmountErr = errors.New("target is busy")

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, []string{"unmount " + testDevice, "remount " + testDevice}, h.mount.Calls())
	assert.True(t, hasLog(res.Logs, "Unmount failed"))
}

func TestRemountFollowsFailedErase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Script(provider.MethodSoftwareOverwrite, provider.Outcome{Supported: true, Executed: true, Error: "shred: write error"})

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.True(t, res.DeviceStateIndeterminate)
	assert.Contains(t, h.mount.Calls(), "remount "+testDevice)
	assert.Zero(t, h.issuer.Calls())
}

func TestUnsupportedClear(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Script(provider.MethodSoftwareOverwrite, provider.Outcome{Supported: false, Message: "shred not found"})

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnsupported, res.Status)
	assert.False(t, res.Executed)
	assert.Contains(t, res.Message, "shred not found")
}

func TestCancelInterruptsOverwrite(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Block = make(chan struct{})
	h.fake.Started = make(chan struct{})

	op := h.o.Accept(request(model.LevelClear, false))
	results := make(chan model.WipeResult, 1)
	go func() {
		res, _ := h.o.Run(context.Background(), op)
		results <- res
	}()

	<-h.fake.Started
	require.NoError(t, h.o.Cancel(op.ID))

	res := <-results
	assert.Equal(t, model.StatusCancelled, res.Status)
	assert.True(t, res.DeviceStateIndeterminate)
	assert.Contains(t, res.Message, "indeterminate")
	assert.Zero(t, h.issuer.Calls())
	assert.Contains(t, h.mount.Calls(), "remount "+testDevice)
}

func TestCancelRefusedOnceHardwarePurgeIsCommitted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Block = make(chan struct{})
	h.fake.Started = make(chan struct{})
	h.fake.IgnoreCancel = true

	op := h.o.Accept(request(model.LevelPurge, false))
	results := make(chan model.WipeResult, 1)
	go func() {
		res, _ := h.o.Run(context.Background(), op)
		results <- res
	}()

	<-h.fake.Started
	err := h.o.Cancel(op.ID)
	require.ErrorIs(t, err, worker.ErrCommitted)
	close(h.fake.Block)

	res := <-results
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, string(model.MethodCryptoErase), res.MethodUsed)
}

func TestPurgeTranscriptStreamsWhileRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.Block = make(chan struct{})
	h.fake.Started = make(chan struct{})

	op := h.o.Accept(request(model.LevelPurge, false))
	results := make(chan model.WipeResult, 1)
	go func() {
		res, _ := h.o.Run(context.Background(), op)
		results <- res
	}()

	<-h.fake.Started
	assert.True(t, hasLog(op.Snapshot().Logs, "Attempting"))
	streamed := false
	for _, e := range h.Events() {
		if e.Type == EventLog && strings.Contains(e.Message, "Attempting") {
			streamed = true
		}
	}
	assert.True(t, streamed, "purge attempt not streamed before the command finished")
	close(h.fake.Block)

	res := <-results
	require.Equal(t, model.StatusSuccess, res.Status)
	attempts := 0
	for _, l := range res.Logs {
		if strings.Contains(l, "Attempting") {
			attempts++
		}
	}
	assert.Equal(t, 1, attempts)
}

func TestFailureKindClassifiesResults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		level   model.Level
		setup   func(*harness)
		opts    []harnessOption
		want    string
		success bool
	}{
		{name: "success", level: model.LevelClear, setup: func(*harness) {}, success: true},
		{name: "unsupported clear", level: model.LevelClear, want: "unsupported", setup: func(h *harness) {
			h.fake.Script(provider.MethodSoftwareOverwrite, provider.Outcome{Supported: false})
		}},
		{name: "failed clear", level: model.LevelClear, want: "execution", setup: func(h *harness) {
			h.fake.Script(provider.MethodSoftwareOverwrite, provider.Outcome{Supported: true, Executed: true, Error: "shred: write error"})
		}},
		{name: "provider error", level: model.LevelDestroy, want: "execution", setup: func(h *harness) {
			h.fake.Fail(provider.MethodMultiPassDestroy, errors.New("shred: input/output error"))
		}},
		{name: "purge without hardware", level: model.LevelPurge, want: "unsupported", setup: func(h *harness) {
			for _, m := range []string{provider.MethodCryptoErase, provider.MethodNvmeSanitize, provider.MethodAtaSecureErase} {
				h.fake.Script(m, provider.Outcome{Supported: false})
			}
		}},
		{name: "purge failed", level: model.LevelPurge, want: "execution", setup: func(h *harness) {
			for _, m := range []string{provider.MethodCryptoErase, provider.MethodNvmeSanitize, provider.MethodAtaSecureErase} {
				h.fake.Script(m, provider.Outcome{Supported: true, Executed: true, Error: "sanitize aborted"})
			}
		}},
		{name: "no elevation", level: model.LevelDestroy, want: "privilege", opts: []harnessOption{unelevated()}, setup: func(*harness) {}},
		{name: "evidence", level: model.LevelClear, want: "evidence", success: true, setup: func(h *harness) {
			h.issuer.failures = 10
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.opts...)
			tt.setup(h)

			res, _ := h.o.Execute(context.Background(), request(tt.level, false))
			assert.Equal(t, tt.want, res.FailureKind)
			assert.Equal(t, tt.success, res.Status == model.StatusSuccess)
		})
	}
}

func TestCancelOnlyWhileErasing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.ErrorIs(t, h.o.Cancel("missing"), ErrNotFound)

	op := h.o.Accept(request(model.LevelClear, true))
	assert.ErrorIs(t, h.o.Cancel(op.ID), ErrNotCancellable)

	_, err := h.o.Run(context.Background(), op)
	require.NoError(t, err)
	assert.ErrorIs(t, h.o.Cancel(op.ID), ErrNotCancellable)
}

func TestEvidenceIssuanceIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.issuer.failures = 1

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.NoError(t, err)
	assert.Equal(t, 2, h.issuer.Calls())
	require.NotNil(t, res.Evidence)
	assert.False(t, res.EvidenceMissing)
}

func TestEvidenceFailureDoesNotRedoErase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withOptions(func(o *Options) { o.IssueRetries = 1 }))
	h.issuer.failures = 10

	res, err := h.o.Execute(context.Background(), request(model.LevelClear, false))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.True(t, res.EvidenceMissing)
	assert.Nil(t, res.Evidence)
	assert.Contains(t, res.Message, "regenerated out of band")
	assert.Equal(t, 2, h.issuer.Calls())
	assert.Equal(t, 1, h.fake.EraseCalls())
}

func TestEventsEndWithResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.o.Execute(context.Background(), request(model.LevelDestroy, false))
	require.NoError(t, err)

	var statuses []model.Status
	for _, e := range h.Events() {
		assert.Equal(t, res.OperationID, e.OperationID)
		if e.Type == EventStatus {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []model.Status{
		model.StatusPending, model.StatusUnmounting, model.StatusErasing,
		model.StatusRemounting, model.StatusSuccess,
	}, statuses)

	events := h.Events()
	last := events[len(events)-1]
	assert.Equal(t, EventResult, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, res.Status, last.Result.Status)
}

func TestLookupReturnsFinishedOperation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	op := h.o.Accept(request(model.LevelClear, true))
	snap, ok := h.o.Lookup(op.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, snap.Status)
	assert.Nil(t, snap.Result)

	_, err := h.o.Run(context.Background(), op)
	require.NoError(t, err)
	<-op.Done()

	snap, ok = h.o.Lookup(op.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusSimulated, snap.Status)
	require.NotNil(t, snap.Result)
	assert.False(t, snap.FinishedAt.IsZero())
}

func hasLog(logs []string, fragment string) bool {
	for _, l := range logs {
		if strings.Contains(l, fragment) {
			return true
		}
	}
	return false
}
