package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	require.Equal(t, time.Second, backoffDelay(1))
	require.Equal(t, 2*time.Second, backoffDelay(2))
	require.Equal(t, 5*time.Second, backoffDelay(3))
	require.Equal(t, 5*time.Second, backoffDelay(4))
	require.Equal(t, 5*time.Second, backoffDelay(100))
}
