package instance

import (
	"runtime"
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	info := New()
	if info == nil {
		t.Fatal("expected non-nil Info")
	}

	if _, err := uuid.Parse(info.NodeID); err != nil {
		t.Errorf("expected node ID to be a uuid, got %q: %v", info.NodeID, err)
	}
	if info.Version == "" {
		t.Error("expected non-empty version")
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected go version %s, got %s", runtime.Version(), info.GoVersion)
	}
	if info.StartTime.IsZero() {
		t.Error("expected start time to be set")
	}
}

func TestNewNodeIDsAreDistinct(t *testing.T) {
	a := New()
	b := New()
	if a.NodeID == b.NodeID {
		t.Errorf("expected distinct node IDs, both were %s", a.NodeID)
	}
}

func TestUptime(t *testing.T) {
	info := New()
	if info.Uptime() < 0 {
		t.Errorf("expected non-negative uptime, got %v", info.Uptime())
	}
}

func TestBuildInfo(t *testing.T) {
	v := BuildInfo()
	if v["version"] == "" {
		t.Error("expected version")
	}
	if v["go_version"] != runtime.Version() {
		t.Errorf("expected %s, got %s", runtime.Version(), v["go_version"])
	}
	if v["commit"] == "" {
		t.Error("expected commit")
	}
}
