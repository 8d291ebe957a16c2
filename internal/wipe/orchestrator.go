// Package wipe drives a sanitization operation from request to result:
// preconditions, unmount, erase through an isolated worker, remount and
// evidence issuance.
package wipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/mount"
	"dropdrive/internal/provider"
	"dropdrive/internal/purge"
	"dropdrive/internal/security"
	"dropdrive/internal/system"
	"dropdrive/internal/wipeerr"
	"dropdrive/internal/worker"
)

var (
	// ErrNotFound is returned for unknown or evicted operation ids.
	ErrNotFound = errors.New("operation not found")
	// ErrNotCancellable is returned when the operation is not erasing.
	ErrNotCancellable = errors.New("operation can only be cancelled while erasing")
)

// Guard is the privilege gate consulted before destructive levels.
type Guard interface {
	CurrentElevation() security.Elevation
	IsProtected(device string) bool
}

// Issuer issues evidence for a successful result.
type Issuer interface {
	Issue(ctx context.Context, result model.WipeResult, device model.DeviceDescriptor, label string) (model.EvidenceReceipt, error)
}

// Options configure the orchestrator.
type Options struct {
	ClearPattern      string
	HeartbeatInterval time.Duration
	StallWarningAfter time.Duration
	MountEnabled      bool
	IssueRetries      int
	LockDir           string

	// SystemDeviceCheck refuses devices that back the running system.
	// Nil disables the check.
	SystemDeviceCheck func(device string) (bool, error)
}

type Orchestrator struct {
	provider provider.Provider
	purge    *purge.Engine
	mount    mount.Manager
	guard    Guard
	issuer   Issuer
	registry *Registry
	locker   *DeviceLocker
	opts     Options
	logger   *logging.EnterpriseLogger
	events   func(Event)
	now      func() time.Time
}

// Deps are the collaborators of an orchestrator. Guard, Issuer and Mount
// may be nil.
type Deps struct {
	Provider provider.Provider
	Purge    *purge.Engine
	Mount    mount.Manager
	Guard    Guard
	Issuer   Issuer
	Registry *Registry
	Logger   *logging.EnterpriseLogger
	Events   func(Event)
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	if opts.ClearPattern == "" {
		opts.ClearPattern = "zero"
	}
	if d.Mount == nil {
		d.Mount = mount.Noop{}
	}
	if d.Registry == nil {
		d.Registry = NewRegistry(15 * time.Minute)
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Purge == nil {
		d.Purge = purge.NewEngine(d.Provider, purge.Options{}, d.Logger)
	}
	o := &Orchestrator{
		provider: d.Provider,
		purge:    d.Purge,
		mount:    d.Mount,
		guard:    d.Guard,
		issuer:   d.Issuer,
		registry: d.Registry,
		opts:     opts,
		logger:   d.Logger.Named("orchestrator"),
		events:   d.Events,
		now:      time.Now,
	}
	if opts.LockDir != "" {
		o.locker = NewDeviceLocker(opts.LockDir)
	}
	return o
}

// Registry returns the operation registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Accept registers a new pending operation. The request is copied.
func (o *Orchestrator) Accept(req model.WipeRequest) *Operation {
	op := newOperation(uuid.NewString(), req, o.opts.HeartbeatInterval, o.now())
	o.registry.add(op)
	o.emit(Event{OperationID: op.ID, Type: EventStatus, Status: model.StatusPending})
	return op
}

// Execute accepts and runs a request synchronously.
func (o *Orchestrator) Execute(ctx context.Context, req model.WipeRequest) (model.WipeResult, error) {
	return o.Run(ctx, o.Accept(req))
}

// Lookup returns a snapshot of an operation.
func (o *Orchestrator) Lookup(id string) (Snapshot, bool) {
	op, ok := o.registry.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return op.Snapshot(), true
}

// Cancel requests cancellation of an erasing operation. Hardware purge
// commands refuse cancellation once issued.
func (o *Orchestrator) Cancel(id string) error {
	op, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if op.Status() != model.StatusErasing {
		return fmt.Errorf("%w (status %s)", ErrNotCancellable, op.Status())
	}
	if err := op.wc.Cancel(); err != nil {
		o.logf(op, "WARN", "Cancellation refused: %v", err)
		return err
	}
	o.logf(op, "WARN", "Cancellation requested")
	return nil
}

// outcome is the erase-phase verdict before evidence.
type outcome struct {
	status        model.Status
	executed      bool
	method        string
	message       string
	fallback      *model.Fallback
	indeterminate bool
	privilege     bool
	// err classifies a result that is neither success nor cancelled
	err error
}

// Run drives an accepted operation to a terminal state. The error is
// non-nil only for validation and privilege aborts.
func (o *Orchestrator) Run(ctx context.Context, op *Operation) (model.WipeResult, error) {
	req := op.Request
	o.logf(op, "INFO", "Operation accepted: %s on %s (simulate=%t)", req.Level, req.DevicePath, req.Simulate)

	info, err := o.validate(ctx, op)
	if err != nil {
		return o.abort(op, err), err
	}

	if !req.Simulate && o.locker != nil {
		unlock, ok, err := o.locker.TryLock(req.DevicePath)
		if err != nil {
			o.logf(op, "WARN", "Device lock unavailable: %v", err)
		} else if !ok {
			err := wipeerr.New(wipeerr.KindValidation, "device busy: another operation is running on "+req.DevicePath)
			return o.abort(op, err), err
		} else {
			defer unlock()
		}
	}

	unmounted := false
	switch {
	case req.Simulate:
		o.logf(op, "INFO", "Simulation: skipping unmount")
	case !o.opts.MountEnabled:
		o.logf(op, "INFO", "Mount handling disabled by configuration")
	default:
		o.setStatus(op, model.StatusUnmounting)
		if err := o.mount.Unmount(ctx, req.DevicePath); err != nil {
			o.logf(op, "WARN", "Unmount failed, continuing with block-level erase: %v", err)
		} else {
			o.logf(op, "INFO", "Volumes on %s taken offline", req.DevicePath)
		}
		unmounted = true
	}

	o.setStatus(op, model.StatusErasing)
	out := o.dispatch(ctx, op)

	if unmounted {
		o.setStatus(op, model.StatusRemounting)
		// Тома возвращаются даже после неудачной очистки
		if err := o.mount.Remount(context.WithoutCancel(ctx), req.DevicePath); err != nil {
			o.logf(op, "WARN", "Remount failed: %v", err)
		} else {
			o.logf(op, "INFO", "Device %s brought back online", req.DevicePath)
		}
	} else if req.Simulate {
		o.logf(op, "INFO", "Simulation: skipping remount")
	}

	o.setStatus(op, out.status)
	o.logf(op, "INFO", "%s", out.message)

	res := model.WipeResult{
		OperationID:              op.ID,
		DevicePath:               req.DevicePath,
		Level:                    req.Level,
		Status:                   out.status,
		Simulated:                req.Simulate,
		Executed:                 out.executed && !req.Simulate,
		MethodUsed:               out.method,
		Message:                  out.message,
		FallbackSuggested:        out.fallback,
		DeviceStateIndeterminate: out.indeterminate,
		PrivilegeError:           out.privilege,
		FailureKind:              failureKind(out.err),
	}
	o.issueEvidence(ctx, op, &res, info)
	return o.complete(op, res), nil
}

func (o *Orchestrator) dispatch(ctx context.Context, op *Operation) outcome {
	req := op.Request
	switch req.Level {
	case model.LevelClear:
		if req.Simulate {
			return outcome{
				status:  model.StatusSimulated,
				method:  model.MethodSoftwareOverwrite,
				message: fmt.Sprintf("Clear simulated: a %s overwrite of %s would be performed, no data was written", o.opts.ClearPattern, req.DevicePath),
			}
		}
		res := worker.Run(ctx, op.wc, worker.Job[provider.Outcome]{
			Name: "clear",
			Fn: func(ctx context.Context, commit worker.Commit) (provider.Outcome, error) {
				if err := commit(); err != nil {
					return provider.Outcome{}, err
				}
				return o.provider.SoftwareOverwrite(ctx, req.DevicePath, o.opts.ClearPattern, true)
			},
		}, o.heartbeat(op))
		return o.fromProvider(op, res, model.MethodSoftwareOverwrite, "Clear")

	case model.LevelPurge:
		res := worker.Run(ctx, op.wc, worker.Job[purge.Result]{
			Name:         "purge",
			Irreversible: true,
			Fn: func(ctx context.Context, commit worker.Commit) (purge.Result, error) {
				return o.purge.AttemptWith(ctx, req.DevicePath, req.Simulate, purge.Hooks{
					Commit: commit,
					Log:    func(msg string) { o.logf(op, "INFO", "%s", msg) },
				})
			},
		}, o.heartbeat(op))
		return o.fromPurge(op, res)

	case model.LevelDestroy:
		if req.Simulate {
			return outcome{
				status:  model.StatusSimulated,
				method:  model.MethodMultiPassDestroy,
				message: fmt.Sprintf("Destroy simulated: %s would be overwritten in multiple passes and its partition table destroyed, no data was written", req.DevicePath),
			}
		}
		res := worker.Run(ctx, op.wc, worker.Job[provider.Outcome]{
			Name: "destroy",
			Fn: func(ctx context.Context, commit worker.Commit) (provider.Outcome, error) {
				if err := commit(); err != nil {
					return provider.Outcome{}, err
				}
				return o.provider.MultiPassDestroy(ctx, req.DevicePath, true)
			},
		}, o.heartbeat(op))
		return o.fromProvider(op, res, model.MethodMultiPassDestroy, "Destroy")

	default:
		return outcome{status: model.StatusFailed, method: model.MethodNone,
			message: fmt.Sprintf("Unknown sanitization level %q", req.Level)}
	}
}

func (o *Orchestrator) fromProvider(op *Operation, res worker.Result[provider.Outcome], method, label string) outcome {
	out := outcome{method: method}
	switch {
	case res.Cancelled && res.Indeterminate:
		out.status = model.StatusCancelled
		out.executed = true
		out.indeterminate = true
		out.message = label + " cancelled while writing: the device contents are indeterminate, wipe it again before reuse or disposal"
	case res.Cancelled:
		out.status = model.StatusCancelled
		out.message = label + " cancelled before any data was written"
	case res.Err != nil && security.IsPrivilegeError(res.Err):
		out.status = model.StatusFailed
		out.privilege = true
		out.err = wipeerr.Wrap(wipeerr.KindPrivilege, res.Err, label)
		out.message = fmt.Sprintf("%s failed: %s. %s", label, security.PrivilegeMessage, security.Remediation(res.Err))
	case res.Err != nil && system.IsDeviceGone(res.Err):
		out.status = model.StatusFailed
		out.executed = res.Committed
		out.indeterminate = res.Committed
		out.err = wipeerr.Wrap(wipeerr.KindExecution, res.Err, label+" failed")
		out.message = fmt.Sprintf("%s failed: the device disappeared during the erase (%v); its contents are indeterminate", label, res.Err)
	case res.Err != nil:
		out.status = model.StatusFailed
		out.executed = res.Committed
		out.indeterminate = res.Committed
		out.err = wipeerr.Wrap(wipeerr.KindExecution, res.Err, label+" failed")
		out.message = out.err.Error()
	case !res.Value.Supported:
		out.status = model.StatusUnsupported
		out.err = wipeerr.Newf(wipeerr.KindUnsupported, "%s is not available on this system: %s", label, detail(res.Value))
		out.message = out.err.Error()
	case res.Value.Executed && res.Value.Success:
		out.status = model.StatusSuccess
		out.executed = true
		out.message = fmt.Sprintf("%s completed successfully on %s", label, op.Request.DevicePath)
	case res.Value.Executed:
		out.status = model.StatusFailed
		out.executed = true
		out.indeterminate = true
		out.err = wipeerr.Newf(wipeerr.KindExecution, "%s failed during execution: %s; the device contents are indeterminate", label, detail(res.Value))
		out.message = out.err.Error()
	default:
		out.status = model.StatusFailed
		out.err = wipeerr.Newf(wipeerr.KindExecution, "%s was not executed: %s", label, detail(res.Value))
		out.message = out.err.Error()
	}
	if out.status != model.StatusSuccess {
		o.logger.Log("WARN", "erase did not succeed", "operation", op.ID, "level", label, "status", string(out.status),
			"kind", failureKind(out.err), "error", out.err)
	}
	return out
}

func (o *Orchestrator) fromPurge(op *Operation, res worker.Result[purge.Result]) outcome {
	pr := res.Value
	out := outcome{method: model.MethodNone, privilege: pr.PrivilegeError}
	switch {
	case res.Cancelled:
		out.status = model.StatusCancelled
		out.message = "Purge cancelled before any hardware command was issued"
	case res.Err != nil:
		out.status = model.StatusFailed
		out.err = wipeerr.Wrap(wipeerr.KindExecution, res.Err, "Purge failed")
		out.message = out.err.Error()
	case pr.Succeeded && op.Request.Simulate:
		out.status = model.StatusSimulated
		out.method = string(*pr.SuccessfulMethod)
		out.message = fmt.Sprintf("Purge simulated: %s would be used, no command was issued", pr.SuccessfulMethod.Description())
	case pr.Succeeded:
		out.status = model.StatusSuccess
		out.executed = true
		out.method = string(*pr.SuccessfulMethod)
		out.message = fmt.Sprintf("Purge completed with %s", pr.SuccessfulMethod.Description())
	default:
		out.status = model.StatusUnsupported
		out.fallback = pr.Fallback
		kind := wipeerr.KindUnsupported
		if pr.Fallback.Reason == model.ReasonPurgeFailed {
			kind = wipeerr.KindExecution
		}
		out.err = wipeerr.New(kind, "purge not applied: "+pr.Fallback.Reason)
		out.message = "Purge not applied: " + pr.Fallback.Reason + ". " + pr.Fallback.Message
		if pr.PrivilegeError {
			out.message += " Some methods were refused for lack of privileges: " + security.PrivilegeMessage + "."
		}
	}
	return out
}

func (o *Orchestrator) issueEvidence(ctx context.Context, op *Operation, res *model.WipeResult, info *provider.Info) {
	req := op.Request
	switch {
	case req.Simulate:
		o.logf(op, "INFO", "No certificate: simulated runs are never certified")
		return
	case res.Status != model.StatusSuccess:
		o.logf(op, "INFO", "No certificate: status is %s", res.Status)
		return
	case !res.Executed:
		o.logf(op, "WARN", "No certificate: erase was not executed")
		return
	case o.issuer == nil:
		o.logf(op, "INFO", "No certificate: evidence is disabled")
		return
	}

	device := describe(req.DeviceInfo, info)
	var lastErr error
	for attempt := 0; attempt <= o.opts.IssueRetries; attempt++ {
		if attempt > 0 {
			o.logf(op, "WARN", "Retrying certificate issuance (%d/%d)", attempt, o.opts.IssueRetries)
		}
		res.Logs = op.logsCopy()
		receipt, err := o.issuer.Issue(ctx, *res, device, req.Label)
		if err == nil {
			res.Evidence = &receipt
			o.logf(op, "INFO", "Certificate %s issued", receipt.ID)
			return
		}
		lastErr = err
		o.logger.Log("ERROR", "certificate issuance failed", "operation", op.ID, "attempt", attempt+1, "error", err)
	}

	// Стирание не повторяется из-за сбоя выдачи сертификата
	res.EvidenceMissing = true
	res.FailureKind = failureKind(wipeerr.Wrap(wipeerr.KindEvidence, lastErr, "issue certificate"))
	res.Message += " The certificate could not be issued and must be regenerated out of band."
	o.logf(op, "ERROR", "Certificate issuance failed: %v", lastErr)
}

func (o *Orchestrator) abort(op *Operation, err error) model.WipeResult {
	privilege := wipeerr.IsPrivilege(err)
	msg := err.Error()
	if hint := security.Remediation(err); hint != "" {
		msg += ". " + hint
	}
	o.logf(op, "ERROR", "Aborted before any device change: %s", msg)
	o.setStatus(op, model.StatusFailed)
	return o.complete(op, model.WipeResult{
		OperationID:    op.ID,
		DevicePath:     op.Request.DevicePath,
		Level:          op.Request.Level,
		Status:         model.StatusFailed,
		Simulated:      op.Request.Simulate,
		MethodUsed:     model.MethodNone,
		Message:        msg,
		PrivilegeError: privilege,
		FailureKind:    failureKind(err),
	})
}

func (o *Orchestrator) complete(op *Operation, res model.WipeResult) model.WipeResult {
	now := o.now()
	res.CompletedAt = now.UTC()
	res.Logs = op.logsCopy()
	if err := res.Validate(); err != nil {
		o.logger.Log("ERROR", "result invariant violated", "operation", op.ID, "error", err)
	}
	op.finish(res, now)
	o.logger.Log("INFO", "operation finished", "operation", op.ID, "device", res.DevicePath,
		"level", string(res.Level), "status", string(res.Status), "method", res.MethodUsed)
	r := res
	o.emit(Event{OperationID: op.ID, Type: EventResult, Status: res.Status, Result: &r})
	return res
}

// failureKind names the error class recorded on a result.
func failureKind(err error) string {
	if err == nil {
		return ""
	}
	return wipeerr.KindOf(err).String()
}

func (o *Orchestrator) setStatus(op *Operation, s model.Status) {
	if err := op.transition(s); err != nil {
		o.logger.Log("ERROR", "state machine violation", "error", err)
		return
	}
	o.emit(Event{OperationID: op.ID, Type: EventStatus, Status: s})
}

func (o *Orchestrator) heartbeat(op *Operation) func(worker.Heartbeat) {
	warned := false
	return func(h worker.Heartbeat) {
		hb := h
		o.emit(Event{OperationID: op.ID, Type: EventHeartbeat, Status: model.StatusErasing, Heartbeat: &hb})
		if !warned && o.opts.StallWarningAfter > 0 && h.Elapsed > o.opts.StallWarningAfter {
			warned = true
			o.logf(op, "WARN", "No completion after %s; the device may be stalled. Progress figures are estimates.", h.Elapsed.Round(time.Second))
		}
	}
}

func (o *Orchestrator) logf(op *Operation, level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := op.appendLog(o.now(), msg)
	o.logger.Log(level, msg, "operation", op.ID)
	o.emit(Event{OperationID: op.ID, Type: EventLog, Level: level, Message: line})
}

func (o *Orchestrator) emit(e Event) {
	if o.events == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = o.now().UTC()
	}
	o.events(e)
}

func describe(selected model.DeviceDescriptor, live *provider.Info) model.DeviceDescriptor {
	d := selected
	if live == nil {
		return d
	}
	if live.Serial != "" {
		d.Serial = live.Serial
	}
	if live.Model != "" {
		d.Model = live.Model
	}
	if live.BusType != "" {
		d.BusType = live.BusType
	}
	if live.SizeBytes > 0 {
		d.CapacityBytes = live.SizeBytes
	}
	return d
}

func detail(out provider.Outcome) string {
	if out.Error != "" {
		return out.Error
	}
	if out.Message != "" {
		return out.Message
	}
	return "no details from provider"
}
