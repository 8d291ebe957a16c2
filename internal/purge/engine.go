// Package purge tries hardware purge methods in a fixed order and degrades
// to a fallback recommendation when none of them works.
package purge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/provider"
	"dropdrive/internal/security"
	"dropdrive/internal/wipeerr"
	"dropdrive/internal/worker"
)

// Attempt is the record of one method tried.
type Attempt struct {
	Method         model.PurgeMethod `json:"method"`
	Supported      bool              `json:"supported"`
	Executed       bool              `json:"executed"`
	Success        bool              `json:"success"`
	DryRun         bool              `json:"dry_run"`
	Error          string            `json:"error,omitempty"`
	Message        string            `json:"message,omitempty"`
	PrivilegeError bool              `json:"privilege_error,omitempty"`
}

// Result of a purge run. Succeeded implies SuccessfulMethod is set and the
// matching attempt has Success (or, in a dry run, Supported without error).
type Result struct {
	Succeeded        bool               `json:"succeeded"`
	SuccessfulMethod *model.PurgeMethod `json:"successful_method,omitempty"`
	Attempts         []Attempt          `json:"attempts"`
	DryRun           bool               `json:"dry_run"`
	Fallback         *model.Fallback    `json:"fallback,omitempty"`
	PrivilegeError   bool               `json:"privilege_error,omitempty"`
	Logs             []string           `json:"logs"`
}

// Options tune the individual methods.
type Options struct {
	NvmeAction  string
	AtaEnhanced bool
}

type Engine struct {
	provider provider.Provider
	opts     Options
	logger   *logging.EnterpriseLogger
}

func NewEngine(p provider.Provider, opts Options, logger *logging.EnterpriseLogger) *Engine {
	if opts.NvmeAction == "" {
		opts.NvmeAction = "crypto"
	}
	return &Engine{provider: p, opts: opts, logger: logger.Named("purge")}
}

// Hooks observe and gate a purge run. Both fields are optional.
type Hooks struct {
	// Commit is called right before every destructive provider call; its
	// error aborts the run.
	Commit worker.Commit
	// Log receives each transcript line, without timestamp, as it is written.
	Log func(msg string)
}

// Attempt runs the purge sequence without a commit checkpoint.
func (e *Engine) Attempt(ctx context.Context, device string, dryRun bool) (Result, error) {
	return e.AttemptWith(ctx, device, dryRun, Hooks{})
}

// Probe reports which method would be used. It is Attempt with dryRun set.
func (e *Engine) Probe(ctx context.Context, device string) (Result, error) {
	return e.AttemptWith(ctx, device, true, Hooks{})
}

// AttemptWith runs the purge sequence. Result.Logs holds the full transcript
// either way.
func (e *Engine) AttemptWith(ctx context.Context, device string, dryRun bool, hooks Hooks) (Result, error) {
	res := Result{DryRun: dryRun}
	logf := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Logs = append(res.Logs, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg))
		if hooks.Log != nil {
			hooks.Log(msg)
		}
	}
	mode := "execute"
	if dryRun {
		mode = "dry-run"
	}
	logf("Starting purge sequence on %s (%s)", device, mode)
	e.logger.Log("INFO", "purge sequence started", "device", device, "dry_run", dryRun)

	for _, method := range model.PurgeOrder {
		if err := ctx.Err(); err != nil {
			return res, wipeerr.Wrap(wipeerr.KindExecution, err, "purge interrupted before "+string(method))
		}
		if !dryRun && hooks.Commit != nil {
			if err := hooks.Commit(); err != nil {
				logf("Cancelled before %s", method)
				return res, wipeerr.Wrap(wipeerr.KindExecution, err, "purge")
			}
		}

		logf("Attempting %s", method.Description())
		att := e.call(ctx, method, device, dryRun)
		res.Attempts = append(res.Attempts, att)
		if att.PrivilegeError {
			res.PrivilegeError = true
		}

		switch {
		case !att.Supported:
			logf("%s not supported: %s", method, reason(att))
			continue
		case dryRun && att.Error == "":
			res.succeed(method)
			logf("%s would succeed", method)
			return res, nil
		case att.Executed && att.Success:
			res.succeed(method)
			logf("%s completed successfully", method)
			e.logger.Log("INFO", "purge succeeded", "device", device, "method", string(method))
			return res, nil
		case att.Executed:
			logf("%s failed: %s", method, reason(att))
			e.logger.Log("WARN", "purge method failed", "device", device, "method", string(method), "error", att.Error)
			continue
		default:
			// supported but not executed outside a clean dry run: privilege
			// failures land here, anything else is a provider bug
			logf("%s supported but not executed: %s", method, reason(att))
			if !att.PrivilegeError {
				e.logger.Log("WARN", "unexpected purge outcome", "device", device, "method", string(method), "attempt", att)
			}
			continue
		}
	}

	res.Fallback = buildFallback(res.Attempts)
	logf("No purge method succeeded: %s", res.Fallback.Reason)
	e.logger.Log("WARN", "purge exhausted", "device", device, "reason", res.Fallback.Reason)
	return res, nil
}

func (e *Engine) call(ctx context.Context, method model.PurgeMethod, device string, dryRun bool) Attempt {
	var (
		out provider.Outcome
		err error
	)
	switch method {
	case model.MethodCryptoErase:
		out, err = e.provider.CryptoErase(ctx, device, dryRun)
	case model.MethodNvmeSanitize:
		out, err = e.provider.NvmeSanitize(ctx, device, e.opts.NvmeAction, dryRun)
	case model.MethodAtaSecureErase:
		out, err = e.provider.AtaSecureErase(ctx, device, e.opts.AtaEnhanced, dryRun)
	default:
		return Attempt{Method: method, Error: fmt.Sprintf("unknown purge method %q", method)}
	}

	att := Attempt{Method: method, DryRun: dryRun}
	if err != nil {
		if security.IsPrivilegeError(err) {
			// Нехватка прав ничего не говорит о возможностях устройства
			att.Supported = true
			att.PrivilegeError = true
			att.Error = "privilege: " + security.PrivilegeMessage
			att.Message = err.Error()
			return att
		}
		att.Error = err.Error()
		return att
	}
	att.Supported = out.Supported
	att.Executed = out.Executed && !dryRun
	att.Success = out.Success && att.Executed
	att.Error = out.Error
	att.Message = out.Message
	return att
}

func buildFallback(attempts []Attempt) *model.Fallback {
	allUnsupported := true
	var last string
	for _, a := range attempts {
		if a.Supported {
			allUnsupported = false
			if a.Error != "" {
				last = a.Error
			}
		}
	}
	fb := &model.Fallback{Methods: []model.Level{model.LevelClear, model.LevelDestroy}}
	if allUnsupported {
		fb.Reason = model.ReasonNoHardwarePurge
		fb.Message = "Hardware purge is not available on this device. Use Clear (software overwrite) or Destroy instead."
		return fb
	}
	fb.Reason = model.ReasonPurgeFailed
	fb.Message = "Hardware purge was attempted but did not complete."
	if last != "" {
		fb.Message += " Last error: " + last + "."
	}
	fb.Message += " Retry with Clear or Destroy on this device."
	return fb
}

func reason(a Attempt) string {
	if a.Error != "" {
		return a.Error
	}
	if a.Message != "" {
		return a.Message
	}
	return "no details"
}

func (r *Result) succeed(m model.PurgeMethod) {
	method := m
	r.Succeeded = true
	r.SuccessfulMethod = &method
	r.Fallback = nil
}

// Format renders a result for operators.
func Format(r Result) string {
	var b strings.Builder
	if r.DryRun {
		b.WriteString("Purge capability probe\n")
	} else {
		b.WriteString("Purge run\n")
	}
	for _, a := range r.Attempts {
		state := "unsupported"
		switch {
		case a.Success:
			state = "success"
		case a.DryRun && a.Supported && a.Error == "":
			state = "available"
		case a.PrivilegeError:
			state = "needs elevation"
		case a.Executed:
			state = "failed"
		case a.Supported:
			state = "not executed"
		}
		fmt.Fprintf(&b, "  %-15s %s", a.Method, state)
		if detail := reason(a); detail != "no details" && state != "success" && state != "available" {
			fmt.Fprintf(&b, " (%s)", detail)
		}
		b.WriteString("\n")
	}
	switch {
	case r.Succeeded && r.DryRun:
		fmt.Fprintf(&b, "Would use: %s\n", r.SuccessfulMethod.Description())
	case r.Succeeded:
		fmt.Fprintf(&b, "Purged with: %s\n", r.SuccessfulMethod.Description())
	case r.Fallback != nil:
		fmt.Fprintf(&b, "No hardware purge: %s\n%s\n", r.Fallback.Reason, r.Fallback.Message)
	}
	return b.String()
}
