package bidi

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendContentionErrorWrapsSentinelAndPredicate(t *testing.T) {
	err := newSendContentionError(time.Second)
	require.True(t, errors.Is(err, ErrSendContention))
	require.True(t, IsSendContention(err))
	require.False(t, IsConnectionAborted(err))

	var sce *SendContentionError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, time.Second, sce.Timeout)
}

func TestConnectionAbortedErrorWrapsSentinelCauseAndPredicate(t *testing.T) {
	cause := errors.New("write: broken pipe")
	err := newConnectionAbortedError(cause)
	require.True(t, errors.Is(err, ErrConnectionAborted))
	require.True(t, errors.Is(err, cause))
	require.True(t, IsConnectionAborted(err))
	require.False(t, IsSendContention(err))
}

func TestProtocolErrorsFactoryBuildsTypedTaxonomyErrors(t *testing.T) {
	var f = protocolErrors{}

	cause := errors.New("unexpected EOF")
	malformed := f.MalformedMessage(cause)
	var mme *MalformedMessageError
	require.ErrorAs(t, malformed, &mme)

	unknown := f.UnknownMessageType("bogus")
	var umte *UnknownMessageTypeError
	require.ErrorAs(t, unknown, &umte)
	require.Equal(t, "bogus", umte.Type)

	unsolicited := f.UnsolicitedResponse(42)
	var ure *UnsolicitedResponseError
	require.ErrorAs(t, unsolicited, &ure)
	require.EqualValues(t, 42, ure.ID)
}
