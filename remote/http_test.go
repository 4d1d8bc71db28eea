package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "andes-snow", "test-token", 5*time.Second, 0, zap.NewNop().Sugar())
}

func TestHTTPClientSubmit(t *testing.T) {
	t.Run("posts job type and params, returns handle", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/projects/andes-snow/exports", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

			var req submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "snow_monthly", req.JobType)

			json.NewEncoder(w).Encode(submitResponse{Name: "operations/abc123"})
		})

		handle, err := client.Submit(context.Background(), "snow_monthly", []byte(`{"region":"andes"}`))
		require.NoError(t, err)
		assert.Equal(t, "operations/abc123", handle)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		})

		_, err := client.Submit(context.Background(), "snow_monthly", nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("429 is transient", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		})

		_, err := client.Submit(context.Background(), "snow_monthly", nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("400 is permanent", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad params", http.StatusBadRequest)
		})

		_, err := client.Submit(context.Background(), "snow_monthly", []byte(`{`))
		require.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("network failure is transient", func(t *testing.T) {
		client := NewHTTPClient("http://127.0.0.1:1", "p", "", time.Second, 0, zap.NewNop().Sugar())
		_, err := client.Submit(context.Background(), "snow_monthly", nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestHTTPClientPoll(t *testing.T) {
	pollWith := func(t *testing.T, state, artifact, errMsg string) *TaskStatus {
		t.Helper()
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/operations/abc123", r.URL.Path)
			json.NewEncoder(w).Encode(operationResponse{
				Name: "operations/abc123", State: state, Artifact: artifact, Error: errMsg,
			})
		})
		status, err := client.Poll(context.Background(), "operations/abc123")
		require.NoError(t, err)
		return status
	}

	t.Run("in-flight states normalize to running", func(t *testing.T) {
		for _, state := range []string{"SUBMITTED", "READY", "PENDING", "RUNNING"} {
			status := pollWith(t, state, "", "")
			assert.Equal(t, PhaseRunning, status.Phase, "state %s", state)
		}
	})

	t.Run("unknown states keep polling", func(t *testing.T) {
		status := pollWith(t, "PREEMPTING", "", "")
		assert.Equal(t, PhaseRunning, status.Phase)
	})

	t.Run("completed carries the artifact", func(t *testing.T) {
		status := pollWith(t, "COMPLETED", "exports/snow_2024_01.csv", "")
		assert.Equal(t, PhaseSucceeded, status.Phase)
		assert.Equal(t, "exports/snow_2024_01.csv", status.ArtifactRef)
	})

	t.Run("failed carries the remote error", func(t *testing.T) {
		status := pollWith(t, "FAILED", "", "image collection empty")
		assert.Equal(t, PhaseFailed, status.Phase)
		assert.Contains(t, status.Detail, "image collection empty")
	})

	t.Run("remote cancellation is a failure phase", func(t *testing.T) {
		status := pollWith(t, "CANCELLED", "", "")
		assert.Equal(t, PhaseFailed, status.Phase)
	})

	t.Run("missing handle is ErrTaskNotFound", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such operation", http.StatusNotFound)
		})
		_, err := client.Poll(context.Background(), "operations/gone")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTaskNotFound))
		assert.False(t, IsTransient(err))
	})
}

func TestHTTPClientCancel(t *testing.T) {
	t.Run("posts to the cancel endpoint", func(t *testing.T) {
		var gotPath string
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		})

		require.NoError(t, client.Cancel(context.Background(), "operations/abc123"))
		assert.Equal(t, "/v1/operations/abc123:cancel", gotPath)
	})

	t.Run("cancelling a finished task is not an error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		})
		assert.NoError(t, client.Cancel(context.Background(), "operations/done"))
	})
}

func TestMarkTransient(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))

	err := MarkTransient(errors.New("flaky"))
	assert.True(t, IsTransient(err))
	// Wrapping preserves the classification
	assert.True(t, IsTransient(errors.Wrap(err, "context")))
}
