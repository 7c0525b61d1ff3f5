package tcbpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
)

func TestCompileAndHookAllows(t *testing.T) {
	policy, err := Compile(`pceSvn >= 5 && fmspc == "aabbcc"`, nil)
	require.NoError(t, err)

	hook := policy.Hook()
	ok := hook(verify.TCBInput{FMSPC: []byte{0xaa, 0xbb, 0xcc}, PceSvn: 10})
	assert.True(t, ok)
}

func TestHookRejectsWhenRuleFalse(t *testing.T) {
	policy, err := Compile(`pceSvn >= 100`, nil)
	require.NoError(t, err)

	hook := policy.Hook()
	ok := hook(verify.TCBInput{PceSvn: 1})
	assert.False(t, ok)
}

func TestCompileRejectsInvalidRule(t *testing.T) {
	_, err := Compile(`this is not valid expr syntax &&&`, nil)
	assert.Error(t, err)
}

func TestCompileRejectsNonBoolRule(t *testing.T) {
	_, err := Compile(`pceSvn + 1`, nil)
	assert.Error(t, err)
}
