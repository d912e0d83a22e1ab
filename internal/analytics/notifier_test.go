package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatchAndClose(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewNotifier(zap.New(core))

	for i := 0; i < 10; i++ {
		n.Dispatch(UsageEvent{
			UserID: 1, GenerationID: "gen-1", Kind: "text_to_image",
			Status: "completed", Credits: 30, Duration: time.Second,
		})
	}
	n.Close()

	assert.Equal(t, 10, logs.FilterMessage("usage event").Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	n.Close()
	n.Close()
}
