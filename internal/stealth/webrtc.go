package stealth

import (
	"context"
	"errors"
)

// PrivacyControls is the browser privacy surface driven by the WebRTC
// toggle. The three settings are always written together from one boolean.
type PrivacyControls interface {
	// SetIPHandlingPolicy restricts WebRTC candidate gathering to the
	// default public interface when restricted is true.
	SetIPHandlingPolicy(restricted bool) error

	// SetPeerConnectionEnabled toggles RTCPeerConnection availability.
	SetPeerConnectionEnabled(enabled bool) error

	// SetMultipleRoutesEnabled toggles the legacy multiple-routes setting.
	SetMultipleRoutesEnabled(enabled bool) error
}

// ApplyWebRTCPolicy drives all three privacy settings from one boolean.
// Blocking is gated on the optional privacy permission: a refused or
// timed-out grant forces the feature off and persists the disabled setting,
// so the stored configuration reflects actual capability.
func (r *Rewriter) ApplyWebRTCPolicy(ctx context.Context, block bool) error {
	if r.browser == nil {
		return nil
	}

	if block {
		granted, err := r.perms.Request(ctx, "privacy")
		if err != nil {
			return err
		}
		if !granted {
			r.logger.Warn("privacy permission refused, disabling webrtc blocking")
			if err := r.cfg.SetBool("block_webrtc", false); err != nil {
				return err
			}
			return r.cfg.Save()
		}
	}

	return errors.Join(
		r.browser.SetIPHandlingPolicy(block),
		r.browser.SetPeerConnectionEnabled(!block),
		r.browser.SetMultipleRoutesEnabled(!block),
	)
}
