package wasapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComKeeperReleaseIsIdempotent(t *testing.T) {
	k, err := newComKeeper()
	require.NoError(t, err)

	k.release()
	k.release()

	var gone *comKeeper
	gone.release()
}
