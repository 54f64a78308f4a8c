package validate_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/pkg/validate"
)

func validEnvelope() validate.Envelope {
	return validate.Envelope{
		JobID:     uuid.NewString(),
		Query:     "hatsune_miku, vocaloid",
		APIPrefix: "danbooru",
		ClientID:  "client_1",
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	v := validate.New(nil)
	res := v.Validate(validEnvelope())
	require.True(t, res.Valid)
}

func TestValidateRejectsBadJobID(t *testing.T) {
	v := validate.New(nil)
	e := validEnvelope()
	e.JobID = "not-a-uuid"

	res := v.Validate(e)
	require.False(t, res.Valid)
	require.Equal(t, validate.CodeInvalidDTO, res.Err.Code)
}

func TestValidateRejectsQueryTooLong(t *testing.T) {
	v := validate.New(nil)
	e := validEnvelope()
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	e.Query = string(long)

	res := v.Validate(e)
	require.False(t, res.Valid)
	require.Equal(t, validate.CodeInvalidDTO, res.Err.Code)
}

func TestValidateRejectsQueryWithDisallowedChars(t *testing.T) {
	v := validate.New(nil)
	e := validEnvelope()
	e.Query = "miku<script>"

	res := v.Validate(e)
	require.False(t, res.Valid)
}

func TestValidateRejectsBadClientID(t *testing.T) {
	v := validate.New(nil)
	e := validEnvelope()
	e.ClientID = "bad id!"

	res := v.Validate(e)
	require.False(t, res.Valid)
}

func TestValidateRequiresAPIKeyWhenAuthConfigured(t *testing.T) {
	v := validate.New([]byte("secret"))
	e := validEnvelope()
	e.APIKey = ""

	res := v.Validate(e)
	require.False(t, res.Valid)
	require.Equal(t, validate.CodeAuthFailed, res.Err.Code)
	require.Contains(t, res.Err.Message, "Missing API key")
}

func TestValidateRejectsWrongSignature(t *testing.T) {
	v := validate.New([]byte("secret"))
	e := validEnvelope()
	e.APIKey = "deadbeef"

	res := v.Validate(e)
	require.False(t, res.Valid)
	require.Equal(t, validate.CodeAuthFailed, res.Err.Code)
	require.Contains(t, res.Err.Message, "Invalid authentication")
}

func TestValidateAcceptsCorrectSignature(t *testing.T) {
	secret := []byte("secret")
	v := validate.New(secret)
	e := validEnvelope()
	e.APIKey = validate.Sign(secret, e)

	res := v.Validate(e)
	require.True(t, res.Valid)
}
