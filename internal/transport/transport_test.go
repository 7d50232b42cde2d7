package transport

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(NewError(KindTimeout, errors.New("slow"))))
	assert.Equal(t, KindAuthentication, KindOf(fmt.Errorf("wrapped: %w", NewError(KindAuthentication, errors.New("bad cert")))))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindNetwork, KindOf(errors.New("connection refused")))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, KindTimeout, classify(ctx, context.DeadlineExceeded).Kind)
	assert.Equal(t, KindAuthentication, classify(ctx, fmt.Errorf("tls: %w", x509.UnknownAuthorityError{})).Kind)
	assert.Equal(t, KindNetwork, classify(ctx, errors.New("dial tcp: connection refused")).Kind)
}

func TestLoadTLSConfig_RequiresCertificate(t *testing.T) {
	_, err := LoadTLSConfig(Credentials{})
	require.Error(t, err)

	_, err = LoadTLSConfig(Credentials{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load client certificate")
}

func TestSimulated_AcksAndDetectsDuplicates(t *testing.T) {
	sim := NewSimulated(0)
	body := []byte(`{"batchId":"b-1","vitals":[{},{}],"alarms":[{}]}`)

	resp, err := sim.Send(context.Background(), &Request{URL: "sim://batches", Body: body})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &ack))
	assert.Equal(t, "OK", ack["status"])
	assert.EqualValues(t, 3, ack["recordsReceived"])

	resp, err = sim.Send(context.Background(), &Request{URL: "sim://batches", Body: body})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Body, &ack))
	assert.Equal(t, "DUPLICATE", ack["status"])
	assert.Equal(t, 2, sim.SendCount())
}

func TestSimulated_ScriptedFailures(t *testing.T) {
	sim := NewSimulated(0)
	sim.FailNext(2, KindNetwork)

	for i := 0; i < 2; i++ {
		_, err := sim.Send(context.Background(), &Request{Body: []byte(`{"batchId":"b-1"}`)})
		require.Error(t, err)
		assert.Equal(t, KindNetwork, KindOf(err))
	}

	_, err := sim.Send(context.Background(), &Request{Body: []byte(`{"batchId":"b-1"}`)})
	require.NoError(t, err)
}

func TestSimulated_TimeoutHonoured(t *testing.T) {
	sim := NewSimulated(200 * time.Millisecond)

	start := time.Now()
	_, err := sim.Send(context.Background(), &Request{Body: []byte(`{}`), Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestNewHTTPTransport(t *testing.T) {
	tr := NewHTTPTransport(nil, zap.NewNop())
	require.NotNil(t, tr)
	require.NotNil(t, tr.httpClient)
}
