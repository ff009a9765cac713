package openmetrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSumsAcrossSamples(t *testing.T) {
	body := []byte(`# HELP vllm:num_requests_running running requests
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{engine="0"} 2
vllm:num_requests_running{engine="1"} 3
# HELP vllm:num_requests_waiting waiting requests
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting 1.0
other_metric 99
`)

	sums := Parse(body)
	require.NotNil(t, sums.Running)
	require.NotNil(t, sums.Pending)
	assert.Equal(t, uint64(5), *sums.Running)
	assert.Equal(t, uint64(1), *sums.Pending)
}

func TestParseEmptyBodyYieldsNilSums(t *testing.T) {
	sums := Parse([]byte(""))
	assert.Nil(t, sums.Running)
	assert.Nil(t, sums.Pending)
}

func TestParseCRLFAndMissingFinalNewline(t *testing.T) {
	body := []byte("vllm:num_requests_running 4\r\nvllm:num_requests_waiting 2")
	sums := Parse(body)
	require.NotNil(t, sums.Running)
	require.NotNil(t, sums.Pending)
	assert.Equal(t, uint64(4), *sums.Running)
	assert.Equal(t, uint64(2), *sums.Pending)
}

func TestParseSkipsMalformedSamples(t *testing.T) {
	body := []byte("vllm:num_requests_running not-a-number\nvllm:num_requests_running 2\n")
	sums := Parse(body)
	require.NotNil(t, sums.Running)
	assert.Equal(t, uint64(2), *sums.Running)
}
