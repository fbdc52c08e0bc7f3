package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/models"
)

func TestNewJobContextDecodesConfiguration(t *testing.T) {
	job := &models.Job{
		UUID:          "job-1",
		ProjectID:     "alpha",
		Configuration: `{"codeScan":{"source":{"gitUrl":"https://git.example.com/alpha.git"}},"webScan":{"uris":["https://alpha.example.com"]}}`,
	}
	jc, err := NewJobContext(job, nil)
	require.NoError(t, err)

	assert.True(t, jc.Requires(ScanTypeCode))
	assert.True(t, jc.Requires(ScanTypeWeb))
	assert.False(t, jc.Requires(ScanTypeInfra))
	assert.False(t, jc.Requires(ScanTypeLicense))
	assert.True(t, jc.Requires(ScanTypeReport))
	assert.False(t, jc.Canceled())

	ref, ok := jc.Source(ScanTypeCode)
	require.True(t, ok)
	assert.Equal(t, "https://git.example.com/alpha.git", ref.GitURL)
	_, ok = jc.Source(ScanTypeSecret)
	assert.False(t, ok)
}

func TestNewJobContextRejectsBrokenConfiguration(t *testing.T) {
	_, err := NewJobContext(&models.Job{UUID: "job-1", Configuration: "{"}, nil)
	assert.Error(t, err)
}

func TestJobContextCanceled(t *testing.T) {
	flag := false
	jc, err := NewJobContext(&models.Job{UUID: "job-1"}, func() bool { return flag })
	require.NoError(t, err)
	assert.False(t, jc.Canceled())
	flag = true
	assert.True(t, jc.Canceled())
}

func TestTargetsSplitByNetworkType(t *testing.T) {
	jc := &JobContext{Config: models.JobConfiguration{
		WebScan: &models.NetworkScanConfig{
			URIs: []string{
				"https://www.example.com",
				"https://wiki.corp",
				"http://10.1.2.3:8080/app",
				"https://api.example.org/v1",
				"http://intranet-host/",
			},
		},
		InfraScan: &models.NetworkScanConfig{
			IPs: []string{"192.168.0.10", "8.8.8.8", "127.0.0.1"},
		},
	}}

	web := jc.Targets(ScanTypeWeb)
	require.Len(t, web, 2)
	assert.Equal(t, adapter.NetworkTargetInternet, web[0].Type)
	assert.Equal(t, []string{"https://www.example.com", "https://api.example.org/v1"}, web[0].URIs)
	assert.Equal(t, adapter.NetworkTargetIntranet, web[1].Type)
	assert.Equal(t, []string{"https://wiki.corp", "http://10.1.2.3:8080/app", "http://intranet-host/"}, web[1].URIs)

	infra := jc.Targets(ScanTypeInfra)
	require.Len(t, infra, 2)
	assert.Equal(t, []string{"8.8.8.8"}, infra[0].IPs)
	assert.Equal(t, []string{"192.168.0.10", "127.0.0.1"}, infra[1].IPs)

	assert.Nil(t, jc.Targets(ScanTypeCode))
}

func TestTargetsOnlyInternet(t *testing.T) {
	jc := &JobContext{Config: models.JobConfiguration{
		WebScan: &models.NetworkScanConfig{URIs: []string{"https://www.example.com"}},
	}}
	got := jc.Targets(ScanTypeWeb)
	require.Len(t, got, 1)
	assert.Equal(t, adapter.NetworkTargetInternet, got[0].Type)
}

func TestParseIdentifier(t *testing.T) {
	id, ok := ParseIdentifier("CHECKMARX")
	assert.True(t, ok)
	assert.Equal(t, IdentifierCheckmarx, id)
	_, ok = ParseIdentifier("checkmarx")
	assert.False(t, ok)
}

func TestSetupSecretFromEnvironment(t *testing.T) {
	t.Setenv("SCANORCH_TEST_CX_PASSWORD", "from-env")
	s, err := ParseSetup(`{"base_url":"https://cx.example.com","user":"scanner","password_env":"SCANORCH_TEST_CX_PASSWORD","parameters":{"checkmarx.newproject.presetid":"36"}}`)
	require.NoError(t, err)

	secret, err := s.Secret()
	require.NoError(t, err)
	secret.Reveal(func(clear string) { assert.Equal(t, "from-env", clear) })

	preset, err := s.ParamInt64(ParamCheckmarxPresetID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(36), preset)
	assert.Equal(t, "fallback", s.Param("missing", "fallback"))

	s.PasswordEnv = "SCANORCH_TEST_UNSET_VARIABLE"
	_, err = s.Secret()
	assert.ErrorIs(t, err, adapter.ErrInvalidArgument)
}

func TestParseSetupRejectsBrokenJSON(t *testing.T) {
	_, err := ParseSetup("{")
	assert.ErrorIs(t, err, adapter.ErrInvalidArgument)
}
