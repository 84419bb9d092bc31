package watch

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollWithTimeoutAndNothingReady(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	s := New(1)
	s.Add(int(r.Fd()))

	n, err := s.poll(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, s.Ready())
}
