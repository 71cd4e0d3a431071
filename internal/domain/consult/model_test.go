package consult

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusScheduled, StatusCancelled},
		StatusScheduled: {StatusCompleted, StatusCancelled},
		StatusCompleted: {StatusApproved, StatusRejected},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if CanTransition("", StatusPending) {
		t.Error("creation is not a transition")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusApproved || s == StatusRejected || s == StatusCancelled
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
		if (len(NextStatuses(s)) == 0) != want {
			t.Errorf("%s: terminal states and states without successors must agree", s)
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestApproval_Active(t *testing.T) {
	now := time.Now()
	later, earlier := now.Add(time.Hour), now.Add(-time.Hour)
	tests := []struct {
		name string
		a    Approval
		want bool
	}{
		{"approved and unexpired", Approval{Status: ReviewApproved, ExpiresAt: &later}, true},
		{"approved without expiry", Approval{Status: ReviewApproved}, true},
		{"expired", Approval{Status: ReviewApproved, ExpiresAt: &earlier}, false},
		{"expires now", Approval{Status: ReviewApproved, ExpiresAt: &now}, false},
		{"pending", Approval{Status: ReviewPending, ExpiresAt: &later}, false},
		{"deleted", Approval{Status: ReviewApproved, ExpiresAt: &later, DeletedAt: &earlier}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Active(now); got != tt.want {
			t.Errorf("%s: Active = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStatusEvent_Kinds(t *testing.T) {
	creation := StatusEvent{ToStatus: StatusPending}
	assignment := StatusEvent{FromStatus: StatusPending, ToStatus: StatusPending}
	change := StatusEvent{FromStatus: StatusPending, ToStatus: StatusScheduled}

	if !creation.IsCreation() || creation.IsAssignment() {
		t.Error("creation event misclassified")
	}
	if assignment.IsCreation() || !assignment.IsAssignment() {
		t.Error("assignment event misclassified")
	}
	if change.IsCreation() || change.IsAssignment() {
		t.Error("status change misclassified")
	}
}
