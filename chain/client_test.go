package chain

import "testing"

func TestSignatureStatusReached(t *testing.T) {
	tests := []struct {
		name   string
		status *SignatureStatus
		want   Commitment
		reach  bool
	}{
		{"nil status", nil, CommitmentConfirmed, false},
		{"processed only", &SignatureStatus{}, CommitmentConfirmed, false},
		{"confirmed meets confirmed", &SignatureStatus{Level: CommitmentConfirmed}, CommitmentConfirmed, true},
		{"confirmed below finalized", &SignatureStatus{Level: CommitmentConfirmed}, CommitmentFinalized, false},
		{"finalized meets confirmed", &SignatureStatus{Level: CommitmentFinalized}, CommitmentConfirmed, true},
		{"finalized meets finalized", &SignatureStatus{Level: CommitmentFinalized}, CommitmentFinalized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Reached(tt.want); got != tt.reach {
				t.Errorf("Reached(%s) = %v, want %v", tt.want, got, tt.reach)
			}
		})
	}
}
