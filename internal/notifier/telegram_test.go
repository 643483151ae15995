package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotify(t *testing.T) {
	t.Run("成功发送", func(t *testing.T) {
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &got)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		tg := NewTelegram("token", "chat-1")
		tg.BaseURL = srv.URL
		require.NoError(t, tg.Notify(context.Background(), "回测完成"))
		assert.Equal(t, "chat-1", got["chat_id"])
		assert.Equal(t, "回测完成", got["text"])
	})

	t.Run("非 2xx 重试后报错", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		tg := NewTelegram("token", "chat-1")
		tg.BaseURL = srv.URL
		err := tg.Notify(context.Background(), "x")
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("配置缺失直接拒绝", func(t *testing.T) {
		tg := NewTelegram("", "")
		assert.Error(t, tg.Notify(context.Background(), "x"))
	})
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), "忽略"))
}
