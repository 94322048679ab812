package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.Host = "broker.local"
	cfg.Client.CleanSession = false
	cfg.Client.Password = "secret"
	cfg.Client.Will = &config.WillConfig{Topic: "status", Payload: "offline", QoS: 1, Retain: true}
	cfg.Shutdown.Mode = "abandon"

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "broker.local:1883", opts.Address)
	assert.Equal(t, "mqtt_client", opts.ClientID)
	assert.False(t, opts.CleanSession)
	assert.Equal(t, []byte("secret"), opts.Password)
	require.NotNil(t, opts.Will)
	assert.Equal(t, mqtt.AtLeastOnce, opts.Will.QoS)
	assert.True(t, opts.Will.Retain)
	assert.Equal(t, 10*time.Second, opts.RetryInterval)
	assert.Equal(t, time.Minute, opts.DedupWindow)
	assert.Equal(t, BackoffOptions{Base: time.Second, Max: 2 * time.Minute, Jitter: 0.2, ResetAfter: time.Minute}, opts.Backoff)
	assert.Equal(t, ShutdownAbandon, opts.ShutdownMode)
	assert.Nil(t, opts.TLS)
}

func TestOptionsFromConfigTLS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.UseTLS = true
	cfg.Broker.InsecureSkipVerify = true

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, opts.TLS)
	assert.Equal(t, "mosquitto", opts.TLS.ServerName)
	assert.True(t, opts.TLS.InsecureSkipVerify)

	cfg.Broker.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))
	cfg.Broker.CAFile = empty
	_, err = OptionsFromConfig(cfg)
	assert.ErrorContains(t, err, "no certificates")
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.ShutdownMode = ""
	require.NoError(t, opts.validate())
	assert.Equal(t, ShutdownDrain, opts.ShutdownMode)

	opts.ShutdownMode = "later"
	assert.Error(t, opts.validate())

	opts = DefaultOptions()
	opts.Address = ""
	assert.Error(t, opts.validate())

	opts = DefaultOptions()
	opts.MaxRetryCount = -1
	assert.Error(t, opts.validate())

	_, err := New(Options{Address: "localhost:1883", ShutdownMode: "bad"})
	assert.Error(t, err)
}

func TestOptionsValidateRejectsOversizeFields(t *testing.T) {
	long := strings.Repeat("x", mqtt.MaxStringLength+1)
	mutations := map[string]func(o *Options){
		"username":     func(o *Options) { o.Username = long },
		"password":     func(o *Options) { o.Password = []byte(long) },
		"client id":    func(o *Options) { o.ClientID = long },
		"will topic":   func(o *Options) { o.Will = &packet.Will{Topic: long} },
		"will payload": func(o *Options) { o.Will = &packet.Will{Topic: "status", Payload: []byte(long)} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)
			assert.ErrorIs(t, opts.validate(), mqtt.ErrPacketTooLarge)
			_, err := New(opts)
			assert.ErrorIs(t, err, mqtt.ErrPacketTooLarge)
		})
	}
}

func TestGenerateClientIDFormat(t *testing.T) {
	id := GenerateClientID()
	assert.Len(t, id, maxClientIDLength)
	assert.True(t, strings.HasPrefix(id, generatedIDPrefix))
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), tickInterval(0))
	assert.Equal(t, 50*time.Millisecond, tickInterval(100*time.Millisecond))
	assert.Equal(t, time.Second, tickInterval(time.Minute))
}
