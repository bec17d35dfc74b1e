package session

import (
	"testing"
)

func TestFirstChildError_NoneErrored(t *testing.T) {
	if err := firstChildError(nil); err != nil {
		t.Errorf("expected nil for empty declared list, got %v", err)
	}
}
