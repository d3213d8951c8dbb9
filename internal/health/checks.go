package health

import (
	"context"
	"os"

	"keyboxd/internal/attestation"
	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
	"keyboxd/internal/security"
)

// Component names registered by the daemon.
const (
	ComponentFlags       = "flags"
	ComponentAttestation = "attestation"
	ComponentKeyboxFile  = "keybox_file"
)

// StoreCheck pings the flag store and reads both override flags.
func StoreCheck(store *flags.ConfigStore) Check {
	return func(ctx context.Context) CheckResult {
		if err := store.Store().Ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "flag store unreachable",
				Error:   err.Error(),
			}
		}
		cfg, err := store.Config(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "flag store unreadable",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "flag store ok",
			Details: map[string]interface{}{
				"spoof_enabled": cfg.SpoofEnabled,
				"source_mode":   cfg.SourceMode.String(),
			},
		}
	}
}

// ServiceCheck pings the attestation service when it supports it and
// reports whether a keybox is loaded. A reachable service without a
// keybox is degraded, not unhealthy.
func ServiceCheck(svc attestation.Service) Check {
	return func(ctx context.Context) CheckResult {
		if p, ok := svc.(attestation.Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return CheckResult{
					Status:  StatusUnhealthy,
					Message: "attestation service unreachable",
					Error:   err.Error(),
				}
			}
		}
		loaded := svc.IsKeyboxAvailable(ctx)
		result := CheckResult{
			Status:  StatusHealthy,
			Message: "keybox loaded",
			Details: map[string]interface{}{"keybox_loaded": loaded},
		}
		if !loaded {
			result.Status = StatusDegraded
			result.Message = "no keybox loaded"
		}
		return result
	}
}

// KeyboxFileCheck reports the canonical file. A missing file is healthy;
// an unreadable one is not. When mode is non-zero an installed file with
// other permissions is degraded.
func KeyboxFileCheck(path string, mode os.FileMode) Check {
	return func(ctx context.Context) CheckResult {
		info, err := keybox.StatFile(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "keybox file unreadable",
				Error:   err.Error(),
				Details: map[string]interface{}{"path": path},
			}
		}
		details := map[string]interface{}{
			"path":   path,
			"exists": info.Exists,
		}
		if !info.Exists {
			return CheckResult{Status: StatusHealthy, Message: "no keybox installed", Details: details}
		}
		details["size"] = info.Size
		details["sha256"] = info.SHA256
		details["mod_time"] = info.ModTime
		if mode != 0 {
			if err := security.VerifyFilePermissions(path, mode); err != nil {
				return CheckResult{Status: StatusDegraded, Message: "keybox file permissions changed", Error: err.Error(), Details: details}
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "keybox installed", Details: details}
	}
}
