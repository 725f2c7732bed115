package appliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockstor/replicad/internal/types"
)

func TestPowerPath(t *testing.T) {
	epoch := int64(1760500800)
	assert.Equal(t, "commands/reboot", PowerPath(types.TaskTypeReboot, nil))
	assert.Equal(t, "commands/suspend/1760500800", PowerPath(types.TaskTypeSuspend, &epoch))
}

func TestClient_Power(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth, gotMethod = r.URL.Path, r.Header.Get("Authorization"), r.Method
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api", Token: "tok"})
	epoch := int64(1760500800)
	require.NoError(t, c.Power(context.Background(), types.TaskTypeShutdown, &epoch))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/commands/shutdown/1760500800", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestClient_PowerErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rtc not supported", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}).Power(context.Background(), types.TaskTypeSuspend, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "rtc not supported")
}

func TestClient_RejectsNonPowerKind(t *testing.T) {
	err := New(Config{BaseURL: "http://127.0.0.1:1"}).Power(context.Background(), types.TaskTypeScrub, nil)
	assert.Error(t, err)
}
