package logger

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/ticketpay/internal/logger/config"
)

func TestNewZapLog(t *testing.T) {
	zaplog, err := NewZapLog(config.Config{LogLevel: "warn"})
	require.NoError(t, err)
	require.False(t, zaplog.Core().Enabled(zap.InfoLevel))
	require.True(t, zaplog.Core().Enabled(zap.WarnLevel))

	_, err = NewZapLog(config.Config{LogLevel: "loud"})
	require.Error(t, err)
}

func TestRequestLogMdlw(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	h := RequestLogMdlw(func(w http.ResponseWriter, r *http.Request) {
		// тело по-прежнему читается хендлером
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, `{"amount":100}`, string(body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}, zap.New(core))

	r := httptest.NewRequest(http.MethodPost, "/api/payments", strings.NewReader(`{"amount":100}`))
	w := httptest.NewRecorder()
	h(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	requestID := w.Header().Get(HeaderRequestID)
	require.NotEmpty(t, requestID)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "got incoming HTTP request", entries[0].Message)
	require.Equal(t, requestID, entries[0].ContextMap()["request_id"])
	require.Equal(t, "send HTTP response", entries[1].Message)
	require.Equal(t, int64(http.StatusCreated), entries[1].ContextMap()["code"])
	require.Equal(t, "ok", entries[1].ContextMap()["body"])

	// переданный клиентом id сохраняется
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(HeaderRequestID, "req-1")
	w = httptest.NewRecorder()
	h2 := RequestLogMdlw(func(w http.ResponseWriter, r *http.Request) {}, zap.NewNop())
	h2(w, r)
	require.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestRequestLogMdlwLargeBody(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	payload := strings.Repeat("x", 10*maxLoggedBody)
	body := &countingReader{r: strings.NewReader(payload)}

	h := RequestLogMdlw(func(w http.ResponseWriter, r *http.Request) {
		// до хендлера прочитано не больше, чем пишется в лог
		require.LessOrEqual(t, body.n, maxLoggedBody)
		got, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, payload, string(got))
		require.NoError(t, r.Body.Close())
	}, zap.New(core))

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/webhook/lipila", body))

	logged := logs.FilterMessage("got incoming HTTP request").All()
	require.Len(t, logged, 1)
	require.Len(t, logged[0].ContextMap()["body"], maxLoggedBody)
}
