package tcpoptions

import (
	"errors"
	"testing"

	"github.com/marmos91/rpccore/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsMaxOverCeiling(t *testing.T) {
	o := Default()
	o.MaxReadChunkSize = 64 * 1024 * 1024
	err := o.Validate()
	assert.True(t, errors.Is(err, errs.ErrConfigInvalid))
}

func TestValidateRejectsMinOverMax(t *testing.T) {
	o := Default()
	o.MinReadChunkSize = 5 * 1024 * 1024
	o.MaxReadChunkSize = 1024 * 1024
	err := o.Validate()
	assert.True(t, errors.Is(err, errs.ErrConfigInvalid))
}

func TestValidateRejectsReadChunkOutOfRange(t *testing.T) {
	o := Default()
	o.ReadChunkSize = 10
	err := o.Validate()
	assert.True(t, errors.Is(err, errs.ErrConfigInvalid))
}

func TestClampPullsReadChunkIntoRange(t *testing.T) {
	o := Default()
	o.ReadChunkSize = 999999999
	o.MaxReadChunkSize = 1 << 20
	clamped := o.Clamp()
	assert.Equal(t, clamped.MaxReadChunkSize, clamped.ReadChunkSize)
}

func TestDSCPUnsetByDefault(t *testing.T) {
	assert.False(t, Default().DSCPSet())
}
