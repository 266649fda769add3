package stealth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mkoll/filtercore/internal/config"
	"github.com/mkoll/filtercore/internal/permissions"
)

type fakeControls struct {
	mu      sync.Mutex
	policy  *bool
	peer    *bool
	routes  *bool
	err     error
	applied chan struct{}
}

func newFakeControls() *fakeControls {
	return &fakeControls{applied: make(chan struct{}, 8)}
}

func (f *fakeControls) signal() {
	select {
	case f.applied <- struct{}{}:
	default:
	}
}

func (f *fakeControls) SetIPHandlingPolicy(restricted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = &restricted
	f.signal()
	return f.err
}

func (f *fakeControls) SetPeerConnectionEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peer = &enabled
	f.signal()
	return f.err
}

func (f *fakeControls) SetMultipleRoutesEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = &enabled
	f.signal()
	return f.err
}

func (f *fakeControls) state() (policy, peer, routes *bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy, f.peer, f.routes
}

func newWebRTCRewriter(t *testing.T, fc *fakeControls, broker permissions.Broker, mutate func(*config.Settings)) (*Rewriter, *config.Manager) {
	t.Helper()
	s := config.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	mgr := config.NewManager(s, "")
	r := NewRewriter(mgr, fakeMatcher{}, newFakeSink(), testLogger(),
		WithPrivacyControls(fc),
		WithPermissionBroker(broker),
	)
	t.Cleanup(r.Close)
	return r, mgr
}

func TestApplyWebRTCPolicy_Block(t *testing.T) {
	fc := newFakeControls()
	r, _ := newWebRTCRewriter(t, fc, permissions.Static(true), nil)

	if err := r.ApplyWebRTCPolicy(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	policy, peer, routes := fc.state()
	if policy == nil || !*policy {
		t.Error("expected restricted IP handling")
	}
	if peer == nil || *peer {
		t.Error("expected peer connections disabled")
	}
	if routes == nil || *routes {
		t.Error("expected multiple routes disabled")
	}
}

func TestApplyWebRTCPolicy_Unblock(t *testing.T) {
	fc := newFakeControls()
	r, _ := newWebRTCRewriter(t, fc, permissions.Static(false), nil)

	// Unblocking needs no permission grant.
	if err := r.ApplyWebRTCPolicy(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	policy, peer, routes := fc.state()
	if policy == nil || *policy {
		t.Error("expected unrestricted IP handling")
	}
	if peer == nil || !*peer {
		t.Error("expected peer connections enabled")
	}
	if routes == nil || !*routes {
		t.Error("expected multiple routes enabled")
	}
}

func TestApplyWebRTCPolicy_RefusedGrantPersistsDisabled(t *testing.T) {
	fc := newFakeControls()
	r, mgr := newWebRTCRewriter(t, fc, permissions.Static(false), func(s *config.Settings) {
		s.Stealth.BlockWebRTC = true
	})

	if err := r.ApplyWebRTCPolicy(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.Bool("block_webrtc")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("refused grant must persist the feature as disabled")
	}
	if policy, _, _ := fc.state(); policy != nil {
		t.Error("refused grant must not touch browser settings")
	}
}

func TestApplyWebRTCPolicy_SetterErrors(t *testing.T) {
	fc := newFakeControls()
	fc.err = errors.New("browser gone")
	r, _ := newWebRTCRewriter(t, fc, permissions.Static(true), nil)

	if err := r.ApplyWebRTCPolicy(context.Background(), true); err == nil {
		t.Error("expected setter errors to propagate")
	}
}

func TestApplyWebRTCPolicy_NoBrowser(t *testing.T) {
	s := config.DefaultSettings()
	mgr := config.NewManager(s, "")
	r := NewRewriter(mgr, fakeMatcher{}, newFakeSink(), testLogger())
	defer r.Close()

	if err := r.ApplyWebRTCPolicy(context.Background(), true); err != nil {
		t.Errorf("no browser surface must be a no-op, got %v", err)
	}
}

func TestSettingsChangeAppliesWebRTCPolicy(t *testing.T) {
	fc := newFakeControls()
	_, mgr := newWebRTCRewriter(t, fc, permissions.Static(true), nil)

	if err := mgr.SetBool("block_webrtc", true); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, peer, _ := fc.state(); peer != nil {
			if *peer {
				t.Error("expected peer connections disabled after toggle")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for webrtc policy application")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
