package wipe

import (
	"context"
	"strings"

	"dropdrive/internal/model"
	"dropdrive/internal/provider"
	"dropdrive/internal/security"
	"dropdrive/internal/system"
	"dropdrive/internal/wipeerr"
)

// validate runs the preconditions in order. Nothing here writes to the device.
// The returned info is the live device description, when it was read.
func (o *Orchestrator) validate(ctx context.Context, op *Operation) (*provider.Info, error) {
	req := op.Request

	if err := system.ValidateDevicePath(req.DevicePath); err != nil {
		return nil, err
	}
	switch req.Level {
	case model.LevelClear, model.LevelPurge, model.LevelDestroy:
	default:
		return nil, wipeerr.Newf(wipeerr.KindValidation, "unknown sanitization level %q", req.Level)
	}
	if o.guard != nil && o.guard.IsProtected(req.DevicePath) {
		return nil, wipeerr.New(wipeerr.KindValidation,
			req.DevicePath+" is listed in security.protected_devices",
			"remove the device from the protected list to sanitize it")
	}

	var info *provider.Info
	if !req.Simulate {
		if o.opts.SystemDeviceCheck != nil {
			isSystem, err := o.opts.SystemDeviceCheck(req.DevicePath)
			if err != nil {
				o.logf(op, "WARN", "Could not determine whether %s hosts the running system: %v", req.DevicePath, err)
			} else if isSystem {
				return nil, wipeerr.New(wipeerr.KindValidation,
					req.DevicePath+" hosts the running operating system",
					"boot from external media to sanitize the system disk")
			}
		}

		live, err := o.provider.DeviceInfo(ctx, req.DevicePath)
		if err != nil {
			if security.IsPrivilegeError(err) {
				return nil, wipeerr.Wrap(wipeerr.KindPrivilege, err, "read device information", security.Remediation(err))
			}
			if wipeerr.IsUnsupported(err) {
				return nil, wipeerr.Wrap(wipeerr.KindValidation, err, "device "+req.DevicePath+" cannot be sanitized on this platform",
					"run dropdrive on a Linux host with nvme-cli, hdparm and coreutils installed")
			}
			return nil, wipeerr.Wrap(wipeerr.KindValidation, err,
				"device "+req.DevicePath+" is not accessible, it may be in use elsewhere or disconnected")
		}
		if live.SizeBytes == 0 {
			return nil, wipeerr.Newf(wipeerr.KindValidation,
				"device %s reports zero size, it may be in use elsewhere or disconnected", req.DevicePath)
		}
		info = &live
		o.logf(op, "INFO", "Device %s: %s %s, %d bytes, bus %s", req.DevicePath, live.Model, live.Serial, live.SizeBytes, live.BusType)
	}

	if confirmed := req.DeviceInfo.ConfirmedSerial; confirmed != "" {
		if info == nil {
			// Чтение идентификатора безопасно и в режиме симуляции
			live, err := o.provider.DeviceInfo(ctx, req.DevicePath)
			if err != nil {
				return nil, wipeerr.Wrap(wipeerr.KindValidation, err, "read device serial for identity check")
			}
			info = &live
		}
		if normalizeSerial(info.Serial) == "" || normalizeSerial(info.Serial) != normalizeSerial(confirmed) {
			reported := info.Serial
			if reported == "" {
				reported = "no serial"
			}
			return nil, wipeerr.New(wipeerr.KindValidation,
				"serial mismatch: confirmed "+confirmed+", device "+req.DevicePath+" reports "+reported,
				"the device at this path changed since it was selected, re-select it")
		}
		o.logf(op, "INFO", "Device identity confirmed: serial %s", info.Serial)
	}

	if !req.Simulate && o.guard != nil {
		el := o.guard.CurrentElevation()
		switch req.Level {
		case model.LevelPurge:
			if !el.Capabilities.CanPurge {
				return info, wipeerr.New(wipeerr.KindPrivilege, "purge requires elevated privileges", el.Guidance)
			}
		case model.LevelDestroy:
			if !el.Capabilities.CanWipe {
				return info, wipeerr.New(wipeerr.KindPrivilege, "destroy requires elevated privileges", el.Guidance)
			}
		case model.LevelClear:
			if !el.Elevated {
				o.logf(op, "WARN", "Running Clear without elevated privileges: the overwrite may be refused by the OS")
			}
		}
	}

	return info, nil
}

func normalizeSerial(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
