package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	require.NoError(t, ValidateID("clientId", "c1"))
	require.ErrorIs(t, ValidateID("clientId", ""), ErrIDEmpty)
	require.ErrorIs(t, ValidateID("roomId", strings.Repeat("x", MaxIDLen+1)), ErrIDTooLong)
}

func TestEnums(t *testing.T) {
	require.True(t, MediaKindAudio.Valid())
	require.False(t, MediaKind("screen").Valid())
	require.True(t, RoleConsuming.Valid())
	require.False(t, TransportRole("both").Valid())
}
