package progress

import "testing"

func TestNewProgressStartsInProbe(t *testing.T) {
	p := New(2, 5)
	if p.State() != StateProbe {
		t.Fatalf("initial state = %v, want Probe", p.State())
	}
	if p.Next != 5 {
		t.Fatalf("initial Next = %d, want 5", p.Next)
	}
}

func TestProbeToPipelineOnSuccess(t *testing.T) {
	p := New(2, 1)
	p.OnSendEntries(0, 0)
	if !p.IsPaused() {
		t.Fatalf("expected probe to be paused after sending")
	}
	advanced := p.OnAppendEntriesResponse(true, 0, 10)
	if !advanced {
		t.Fatalf("expected successful probe reply to report progress")
	}
	if p.State() != StatePipeline {
		t.Fatalf("state after successful probe = %v, want Pipeline", p.State())
	}
	if p.Match != 10 || p.Next != 11 {
		t.Fatalf("Match/Next = %d/%d, want 10/11", p.Match, p.Next)
	}
}

func TestPipelineRejectionFallsBackToProbe(t *testing.T) {
	p := New(2, 1)
	p.OnAppendEntriesResponse(true, 0, 5)
	if p.State() != StatePipeline {
		t.Fatalf("setup: expected Pipeline, got %v", p.State())
	}
	p.OnSendEntries(8, 1)
	if p.Next != 9 {
		t.Fatalf("Next after pipelined send = %d, want 9", p.Next)
	}
	advanced := p.OnAppendEntriesResponse(false, 8, 0)
	if advanced {
		t.Fatalf("rejection should not report progress")
	}
	if p.State() != StateProbe {
		t.Fatalf("state after pipeline rejection = %v, want Probe", p.State())
	}
	if p.Next != p.Match+1 {
		t.Fatalf("Next after rejection = %d, want Match+1 = %d", p.Next, p.Match+1)
	}
}

func TestPipelineInflightWindowPauses(t *testing.T) {
	p := New(2, 1)
	p.OnAppendEntriesResponse(true, 0, 0)
	for i := 0; i < defaultInflightWindow; i++ {
		if p.IsPaused() {
			t.Fatalf("paused early at inflight %d", i)
		}
		p.OnSendEntries(uint64(i+1), 1)
	}
	if !p.IsPaused() {
		t.Fatalf("expected pipeline to pause once inflight window is full")
	}
}

func TestSnapshotCycle(t *testing.T) {
	p := New(2, 1)
	p.BeginSnapshot(20)
	if p.State() != StateSnapshot {
		t.Fatalf("state after BeginSnapshot = %v, want Snapshot", p.State())
	}
	if !p.IsPaused() {
		t.Fatalf("expected paused while snapshot outstanding")
	}
	p.OnInstallSnapshotResponse(true)
	if p.State() != StateProbe {
		t.Fatalf("state after successful snapshot install = %v, want Probe", p.State())
	}
	if p.Match != 20 || p.Next != 21 {
		t.Fatalf("Match/Next after snapshot = %d/%d, want 20/21", p.Match, p.Next)
	}
}

func TestSnapshotFailureRetriesFromSameIndex(t *testing.T) {
	p := New(2, 1)
	p.BeginSnapshot(20)
	p.OnInstallSnapshotResponse(false)
	if p.State() != StateProbe {
		t.Fatalf("state after failed snapshot install = %v, want Probe", p.State())
	}
	if p.Next != 20 {
		t.Fatalf("Next after failed snapshot = %d, want 20", p.Next)
	}
}

func TestStaleRejectionIgnored(t *testing.T) {
	p := New(2, 10)
	advanced := p.OnAppendEntriesResponse(false, 3, 0)
	if advanced {
		t.Fatalf("stale rejection should not report progress")
	}
	if p.Next != 10 {
		t.Fatalf("Next after stale rejection = %d, want unchanged 10", p.Next)
	}
}

func TestUnreachableFromPipelineFallsBackToProbe(t *testing.T) {
	p := New(2, 1)
	p.OnAppendEntriesResponse(true, 0, 5)
	p.OnUnreachable()
	if p.State() != StateProbe {
		t.Fatalf("state after unreachable = %v, want Probe", p.State())
	}
	if p.Next != p.Match+1 {
		t.Fatalf("Next after unreachable = %d, want Match+1 = %d", p.Next, p.Match+1)
	}
}
