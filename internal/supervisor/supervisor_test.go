package supervisor

import (
	"os"
	"testing"
)

func TestNewContextStartsIdle(t *testing.T) {
	c := NewContext()
	if c.IsRunning() {
		t.Error("new context should not be running")
	}
}

func TestCancelWithNoControlSessionIsSafe(t *testing.T) {
	c := NewContext()
	c.Cancel()
	if !c.isCancelled() {
		t.Error("expected cancelRequested to be set")
	}
}

func TestNotifyCallsObserverWithKindAndText(t *testing.T) {
	var got []Event
	obs := Observer(func(e Event) { got = append(got, e) })

	notify(obs, Status, "hello")
	notify(obs, LogDir, "/tmp/virt-p2v-x")
	notify(nil, Status, "should not panic")

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != Status || got[0].Text != "hello" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != LogDir || got[1].Text != "/tmp/virt-p2v-x" {
		t.Errorf("event 1 = %+v", got[1])
	}
}

func TestNewLocalTmpDirIsRemovedByCleanup(t *testing.T) {
	dir, cleanup, err := newLocalTmpDir()
	if err != nil {
		t.Fatalf("newLocalTmpDir: %v", err)
	}
	cleanup()
	if _, err := os.Stat(dir); err == nil {
		t.Errorf("expected %s to be removed after cleanup", dir)
	}
}
