package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s := New(Config{Schedule: "not a cron expr"}, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	s := New(Config{Schedule: "* * * * *", TickTimeout: time.Second}, nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestDefaults(t *testing.T) {
	s := New(Config{}, nil)
	assert.Equal(t, "* * * * *", s.config.Schedule)
	assert.Equal(t, 2*time.Minute, s.config.TickTimeout)
}
