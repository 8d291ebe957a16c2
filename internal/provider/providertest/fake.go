// Package providertest provides an in-memory erase provider that records
// every call.
package providertest

import (
	"context"
	"sync"

	"dropdrive/internal/provider"
)

// Fake is a scriptable provider.Provider.
type Fake struct {
	mu sync.Mutex

	Info    provider.Info
	InfoErr error

	// Per-method scripted results, keyed by provider.Method* names.
	Outcomes map[string]provider.Outcome
	Errors   map[string]error

	// Block, when non-nil, makes erase calls wait until it is closed or the
	// call context ends. Started is closed when the first erase call blocks.
	Block   chan struct{}
	Started chan struct{}
	// IgnoreCancel keeps a blocked call waiting for Block even after its
	// context is cancelled, like a hardware command that cannot be aborted.
	IgnoreCancel bool

	startOnce sync.Once
	calls     []Call
}

// Call records one provider invocation.
type Call struct {
	Method   string
	Device   string
	DryRun   bool
	Argument string
}

func New() *Fake {
	return &Fake{
		Outcomes: map[string]provider.Outcome{},
		Errors:   map[string]error{},
	}
}

// WithInfo sets the live device description.
func (f *Fake) WithInfo(info provider.Info) *Fake {
	f.Info = info
	return f
}

// Script sets the outcome of a method. Method is filled in automatically.
func (f *Fake) Script(method string, out provider.Outcome) *Fake {
	out.Method = method
	f.Outcomes[method] = out
	return f
}

// Fail makes a method return err.
func (f *Fake) Fail(method string, err error) *Fake {
	f.Errors[method] = err
	return f
}

func (f *Fake) SoftwareOverwrite(ctx context.Context, device, pattern string, confirm bool) (provider.Outcome, error) {
	return f.erase(ctx, Call{Method: provider.MethodSoftwareOverwrite, Device: device, Argument: pattern}, false)
}

func (f *Fake) CryptoErase(ctx context.Context, device string, dryRun bool) (provider.Outcome, error) {
	return f.erase(ctx, Call{Method: provider.MethodCryptoErase, Device: device, DryRun: dryRun}, dryRun)
}

func (f *Fake) NvmeSanitize(ctx context.Context, device, action string, dryRun bool) (provider.Outcome, error) {
	return f.erase(ctx, Call{Method: provider.MethodNvmeSanitize, Device: device, DryRun: dryRun, Argument: action}, dryRun)
}

func (f *Fake) AtaSecureErase(ctx context.Context, device string, enhanced, dryRun bool) (provider.Outcome, error) {
	arg := "normal"
	if enhanced {
		arg = "enhanced"
	}
	return f.erase(ctx, Call{Method: provider.MethodAtaSecureErase, Device: device, DryRun: dryRun, Argument: arg}, dryRun)
}

func (f *Fake) MultiPassDestroy(ctx context.Context, device string, confirm bool) (provider.Outcome, error) {
	return f.erase(ctx, Call{Method: provider.MethodMultiPassDestroy, Device: device}, false)
}

func (f *Fake) DeviceInfo(ctx context.Context, device string) (provider.Info, error) {
	f.record(Call{Method: "deviceInfo", Device: device})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InfoErr != nil {
		return provider.Info{}, f.InfoErr
	}
	info := f.Info
	info.Path = device
	return info, nil
}

func (f *Fake) erase(ctx context.Context, c Call, dryRun bool) (provider.Outcome, error) {
	f.record(c)

	f.mu.Lock()
	out, scripted := f.Outcomes[c.Method]
	err := f.Errors[c.Method]
	block := f.Block
	f.mu.Unlock()

	if err != nil {
		return provider.Outcome{Method: c.Method, DryRun: dryRun}, err
	}
	if !scripted {
		// By default every method exists and succeeds.
		out = provider.Outcome{Method: c.Method, Supported: true, Executed: true, Success: true}
	}
	if dryRun {
		out.DryRun = true
		out.Executed = false
		out.Success = false
		return out, nil
	}

	if block != nil {
		if f.Started != nil {
			f.startOnce.Do(func() { close(f.Started) })
		}
		if f.IgnoreCancel {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return provider.Outcome{Method: c.Method, Supported: true, Executed: true}, ctx.Err()
			}
		}
	}
	return out, nil
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns a copy of every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the method names of the recorded calls, DeviceInfo excluded.
func (f *Fake) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Method != "deviceInfo" {
			out = append(out, c.Method)
		}
	}
	return out
}

// EraseCalls counts calls that were not dry runs and not DeviceInfo.
func (f *Fake) EraseCalls() int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method != "deviceInfo" && !c.DryRun {
			n++
		}
	}
	return n
}

var _ provider.Provider = (*Fake)(nil)
