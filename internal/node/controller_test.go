package node_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/api/rest"
	"github.com/iggydv12/maison/internal/config"
	"github.com/iggydv12/maison/internal/issuer"
	"github.com/iggydv12/maison/internal/ledger"
	"github.com/iggydv12/maison/internal/node"
	"github.com/iggydv12/maison/internal/units"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func settings(backend, dir string) *config.Settings {
	s := &config.Settings{
		DataDir:         dir,
		Backend:         backend,
		RESTAddr:        "127.0.0.1:0",
		OpenRetries:     2,
		ShutdownTimeout: 5 * time.Second,
		Admin:           admin,
		Marketplace: ledger.Config{
			Admin:          admin,
			Address:        common.HexToAddress("0xf1"),
			MinListingFee:  units.MustParse("0.0001 ether"),
			AdminIsBrand:   true,
			AdminBrandName: "Maison",
		},
		Issuer: issuer.Config{
			Admin:   admin,
			Address: common.HexToAddress("0xf2"),
			BaseURI: "ipfs://maison/",
			Policy:  issuer.Policy{MinMintFee: units.MustParse("0.0001 ether")},
		},
		Genesis: map[common.Address]*uint256.Int{alice: units.Ether(10)},
	}
	if dir != "" {
		s.StatePath = dir + "/state"
	}
	return s
}

// start runs a controller until the returned stop func is called.
func start(t *testing.T, s *config.Settings) (*node.Controller, string, func()) {
	t.Helper()
	c := node.NewController(s, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("controller exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("controller did not become ready")
	}
	stop := func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("controller did not stop")
		}
		assert.Equal(t, node.StateStopped, c.State())
	}
	return c, "http://" + c.Addr().String(), stop
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func postJSON(t *testing.T, url string, caller common.Address, body any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rest.CallerHeader, caller.Hex())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestControllerServesAndStops(t *testing.T) {
	c, base, stop := start(t, settings("memory", ""))
	assert.Equal(t, node.StateRunning, c.State())

	code, body := getJSON(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])

	code, body = getJSON(t, base+"/v1/accounts/"+alice.Hex())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10", body["ether"])

	code, body = getJSON(t, base+"/v1/marketplace/brands/"+admin.Hex())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["isRegistered"])

	assert.Equal(t, http.StatusOK, postJSON(t, base+"/v1/issuer/mint", alice, map[string]string{"value": "0.0001 ether"}))

	stop()
}

func TestControllerRestoresPersistentState(t *testing.T) {
	dir := t.TempDir()

	_, base, stop := start(t, settings("pebble", dir))
	require.Equal(t, http.StatusOK, postJSON(t, base+"/v1/issuer/mint", alice, map[string]string{"value": "1 ether"}))
	stop()

	_, base, stop = start(t, settings("pebble", dir))
	defer stop()

	code, body := getJSON(t, base+"/v1/issuer/tokens/0")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, alice, common.HexToAddress(body["owner"].(string)))

	// genesis is applied once, so alice keeps the 9 ether left after minting
	_, body = getJSON(t, base+"/v1/accounts/"+alice.Hex())
	assert.Equal(t, "9", body["ether"])
}

func TestControllerRejectsUnknownBackend(t *testing.T) {
	c := node.NewController(settings("rocks", t.TempDir()), zap.NewNop())
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}
