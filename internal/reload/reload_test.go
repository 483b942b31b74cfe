package reload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerationCancelClosesDoneExactlyOnce(t *testing.T) {
	g := NewGeneration()
	select {
	case <-g.Done():
		t.Fatal("expected generation to be live before Cancel")
	default:
	}

	g.Cancel()
	g.Cancel() // must not panic on double-cancel

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to be closed after Cancel")
	}
}
